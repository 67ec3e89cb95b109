package webhook

import (
	"encoding/json"
	"fmt"

	"kpicatalog/internal/engine"
)

// Payload is the subset of a pull request notification the receiver reads.
type Payload struct {
	Action      string       `json:"action"`
	PullRequest *PullRequest `json:"pull_request"`
	Repository  *Repository  `json:"repository"`
}

type PullRequest struct {
	Number  int    `json:"number"`
	Merged  bool   `json:"merged"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type Repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

const EventPullRequest = "pull_request"

func decodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// closedPullRequest reports whether p is a "pull request closed"
// notification and extracts what reconciliation needs.
func (p Payload) closedPullRequest() (engine.ClosedPullRequest, bool) {
	if p.Action != "closed" || p.PullRequest == nil {
		return engine.ClosedPullRequest{}, false
	}
	pr := engine.ClosedPullRequest{
		Number:  p.PullRequest.Number,
		Merged:  p.PullRequest.Merged,
		HeadRef: p.PullRequest.Head.Ref,
		Body:    p.PullRequest.Body,
		URL:     p.PullRequest.HTMLURL,
	}
	if p.Repository != nil {
		pr.RepoName = p.Repository.Name
		pr.RepoOwner = p.Repository.Owner.Login
	}
	return pr, true
}
