package syncer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kpicatalog/internal/domain"
)

// BranchRef is the (action, kind, slug) triple carried by a sync branch name.
type BranchRef struct {
	Action domain.Action
	Kind   domain.Kind
	Slug   string
}

// EncodeBranch builds "<action>-<kind-plural>-<slug>-<unixMillis>". The
// timestamp only keeps rapid repeated syncs of one entity apart.
func EncodeBranch(action domain.Action, kind domain.Kind, slug string, unixMillis int64) string {
	return fmt.Sprintf("%s-%s-%s-%s", action, kind.Plural(), slug, strconv.FormatInt(unixMillis, 10))
}

// DecodeBranch reverses EncodeBranch. The last field is treated as an opaque
// tail and everything between the kind and the tail is the slug.
func DecodeBranch(name string) (BranchRef, error) {
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return BranchRef{}, fmt.Errorf("branch %q: want at least 3 dash-separated fields, got %d", name, len(parts))
	}
	action, err := domain.ParseAction(parts[0])
	if err != nil {
		return BranchRef{}, fmt.Errorf("branch %q: %w", name, err)
	}
	kind, err := domain.ParseKindPlural(parts[1])
	if err != nil {
		return BranchRef{}, fmt.Errorf("branch %q: %w", name, err)
	}
	slug := strings.Join(parts[2:len(parts)-1], "-")
	if slug == "" {
		return BranchRef{}, fmt.Errorf("branch %q: empty slug", name)
	}
	return BranchRef{Action: action, Kind: kind, Slug: slug}, nil
}

const markerPrefix = "catalog-sync:"

var markerRe = regexp.MustCompile(`<!--\s*catalog-sync:([A-Za-z0-9-]+)\s*-->`)

// Marker is the hidden pull request body line carrying a correlation token.
func Marker(token string) string {
	return "<!-- " + markerPrefix + token + " -->"
}

// TokenFromBody extracts the correlation token written by Marker.
func TokenFromBody(body string) (string, bool) {
	m := markerRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}
