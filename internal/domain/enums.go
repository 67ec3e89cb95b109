package domain

import (
	"fmt"
	"strings"
)

// Kind is one of the five catalog entity kinds.
type Kind string

const (
	KindKPI       Kind = "kpi"
	KindMetric    Kind = "metric"
	KindDimension Kind = "dimension"
	KindEvent     Kind = "event"
	KindDashboard Kind = "dashboard"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{KindKPI, KindMetric, KindDimension, KindEvent, KindDashboard}

var kindPlurals = map[Kind]string{
	KindKPI:       "kpis",
	KindMetric:    "metrics",
	KindDimension: "dimensions",
	KindEvent:     "events",
	KindDashboard: "dashboards",
}

// Plural returns the repository directory / branch segment for the kind.
func (k Kind) Plural() string {
	return kindPlurals[k]
}

func (k Kind) Valid() bool {
	_, ok := kindPlurals[k]
	return ok
}

// ParseKind accepts the singular or plural spelling.
func ParseKind(s string) (Kind, error) {
	v := Kind(strings.ToLower(strings.TrimSpace(s)))
	if v.Valid() {
		return v, nil
	}
	if k, err := ParseKindPlural(string(v)); err == nil {
		return k, nil
	}
	return "", fmt.Errorf("invalid kind %q", s)
}

// ParseKindPlural only accepts the plural spelling used in branch names and paths.
func ParseKindPlural(s string) (Kind, error) {
	for k, plural := range kindPlurals {
		if plural == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid kind plural %q", s)
}

// Status is an entity lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

func ParseStatus(s string) (Status, error) {
	switch v := Status(strings.ToLower(strings.TrimSpace(s))); v {
	case StatusDraft, StatusPublished, StatusArchived:
		return v, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Action is what a contribution did to an entity.
type Action string

const (
	ActionCreated Action = "created"
	ActionEdited  Action = "edited"
)

func ParseAction(s string) (Action, error) {
	switch v := Action(s); v {
	case ActionCreated, ActionEdited:
		return v, nil
	}
	return "", fmt.Errorf("invalid action %q", s)
}

// Verb is the imperative used in commit messages and pull request titles.
func (a Action) Verb() string {
	if a == ActionCreated {
		return "Create"
	}
	return "Update"
}

type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionCompleted ContributionStatus = "completed"
	ContributionFailed    ContributionStatus = "failed"
)

type SyncState string

const (
	SyncOpen   SyncState = "open"
	SyncMerged SyncState = "merged"
	SyncClosed SyncState = "closed"
)

const (
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)
