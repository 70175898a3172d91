package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the discrete triage level derived from the priority score.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

var severityRanks = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Rank orders severities from most (0) to least (3) severe.
// Unknown values rank below LOW so they never satisfy a threshold.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return len(severityRanks)
}

func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// ParseSeverity accepts any casing of a severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Status is the triage state of an aggregate.
type Status string

const (
	StatusUnresolved Status = "UNRESOLVED"
	StatusResolved   Status = "RESOLVED"
	StatusIgnored    Status = "IGNORED"
)

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StatusUnresolved, StatusResolved, StatusIgnored:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// Action is an explicit triage action on an aggregate.
type Action string

const (
	ActionResolve Action = "resolve"
	ActionIgnore  Action = "ignore"
	ActionReopen  Action = "reopen"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var statusTransitions = map[Status]map[Action]Status{
	StatusUnresolved: {ActionResolve: StatusResolved, ActionIgnore: StatusIgnored},
	StatusResolved:   {ActionReopen: StatusUnresolved},
	StatusIgnored:    {ActionReopen: StatusUnresolved},
}

// Transition returns the status reached by applying action to from.
func Transition(from Status, action Action) (Status, error) {
	to, ok := statusTransitions[from][action]
	if !ok {
		return from, fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, from)
	}
	return to, nil
}

// ErrorAggregate is the deduplicated group of all occurrences that share a
// fingerprint within a project.
type ErrorAggregate struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	ProjectID          uuid.UUID  `db:"project_id"           json:"project_id"`
	Fingerprint        string     `db:"fingerprint"          json:"fingerprint"`
	ErrorType          string     `db:"error_type"           json:"error_type"`
	Message            string     `db:"message"              json:"message"`
	FilePath           string     `db:"file_path"            json:"file_path,omitempty"`
	LineNumber         *int       `db:"line_number"          json:"line_number,omitempty"`
	MethodName         string     `db:"method_name"          json:"method_name,omitempty"`
	StackTrace         string     `db:"stack_trace"          json:"stack_trace,omitempty"`
	FirstSeenAt        time.Time  `db:"first_seen_at"        json:"first_seen_at"`
	LastSeenAt         time.Time  `db:"last_seen_at"         json:"last_seen_at"`
	OccurrenceCount    int64      `db:"occurrence_count"     json:"occurrence_count"`
	AffectedUsersCount int64      `db:"affected_users_count" json:"affected_users_count"`
	PriorityScore      float64    `db:"priority_score"       json:"priority_score"`
	Severity           Severity   `db:"severity"             json:"severity"`
	Status             Status     `db:"status"               json:"status"`
	ResolvedAt         *time.Time `db:"resolved_at"          json:"resolved_at,omitempty"`
	ResolvedBy         *string    `db:"resolved_by"          json:"resolved_by,omitempty"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// Apply performs a status transition in place. Resolve stamps the actor and
// time; reopen clears them. The aggregate is untouched on error.
func (a *ErrorAggregate) Apply(action Action, actor string, now time.Time) error {
	to, err := Transition(a.Status, action)
	if err != nil {
		return err
	}
	a.Status = to
	switch action {
	case ActionResolve:
		at := now
		a.ResolvedAt = &at
		if actor != "" {
			a.ResolvedBy = &actor
		}
	case ActionReopen:
		a.ResolvedAt = nil
		a.ResolvedBy = nil
	}
	a.UpdatedAt = now
	return nil
}
