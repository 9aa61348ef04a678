package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tasklane/tasklane/internal/schema"
)

// ErrInvalidStrategy is returned when a resolution strategy is malformed.
var ErrInvalidStrategy = errors.New("invalid resolution strategy")

// StrategyKind selects how a conflict is resolved.
type StrategyKind string

const (
	// UserChoice applies one side to every conflicting field.
	UserChoice StrategyKind = "user_choice"
	// Merge decides each conflicting field separately.
	Merge StrategyKind = "merge"
)

// Side names one copy of a conflicted record.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

func (s Side) valid() bool { return s == Local || s == Remote }

// Strategy is the caller supplied decision for a conflict.
type Strategy struct {
	Strategy StrategyKind `json:"strategy"`
	// UserChoice is required for the user_choice strategy.
	UserChoice Side `json:"userChoice,omitempty"`
	// FieldResolutions maps conflicting fields to a side for the merge
	// strategy. Conflicting fields left out resolve to Remote.
	FieldResolutions map[string]Side `json:"fieldResolutions,omitempty"`
}

// Validate checks the strategy shape.
func (s Strategy) Validate() error {
	switch s.Strategy {
	case UserChoice:
		if !s.UserChoice.valid() {
			return fmt.Errorf("%w: user_choice needs userChoice local or remote, got %q", ErrInvalidStrategy, s.UserChoice)
		}
	case Merge:
		for field, side := range s.FieldResolutions {
			if !side.valid() {
				return fmt.Errorf("%w: field %q resolves to %q", ErrInvalidStrategy, field, side)
			}
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidStrategy, s.Strategy)
	}
	return nil
}

// sideFor returns the side a conflicting field resolves to.
func (s Strategy) sideFor(field string) Side {
	if s.Strategy == UserChoice {
		return s.UserChoice
	}
	if side, ok := s.FieldResolutions[field]; ok {
		return side
	}
	return Remote
}

// Resolve applies strategy to c and returns the resolved record.
//
// Conflicting fields take the side chosen by the strategy. Every other field
// keeps whichever side changed it, or the ancestor value when neither did.
// The result is synced when it equals the remote copy and pending otherwise.
// Resolve is deterministic: the same conflict and strategy always produce
// the same record.
func Resolve(c *schema.Conflict, strategy Strategy) (*schema.Entity, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	s, err := newSides(c.Base, c.Local, c.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %s: %w", c.ID, err)
	}

	conflicting := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		conflicting[f] = true
	}

	merged := make(view, len(s.names))
	for _, name := range s.names {
		switch {
		case !conflicting[name]:
			merged[name] = s.pick(name)
		case strategy.sideFor(name) == Local:
			merged[name] = s.local[name]
		default:
			merged[name] = s.remote[name]
		}
	}

	e, err := s.build(merged, c.Remote)
	if err != nil {
		return nil, err
	}
	e.LastModified = latest(c.Local, c.Remote)
	if s.equalsRemote(merged) {
		e.SyncStatus = schema.StatusSynced
	} else {
		e.SyncStatus = schema.StatusPending
	}
	return e, nil
}

// Severity ranks how disruptive a conflict is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// fieldWeights lists the fields that weigh more than the default of 1.
var fieldWeights = map[string]int{
	"title":             3,
	"name":              3,
	"status":            3,
	"priority":          3,
	schema.DeletedField: 6,
}

// ClassifySeverity scores the conflicting fields: title, name, status and
// priority count 3, deletion counts 6, everything else 1. A score of 6 or
// more is high, 3 or more medium, anything else low.
func ClassifySeverity(c *schema.Conflict) Severity {
	score := 0
	for _, f := range c.Fields {
		if w, ok := fieldWeights[f]; ok {
			score += w
		} else {
			score++
		}
	}
	switch {
	case score >= 6:
		return SeverityHigh
	case score >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Summarize returns a one-line description for conflict listings, e.g.
// `task T1 "Ship report": status, priority changed on both sides`.
func Summarize(c *schema.Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", c.EntityType, c.EntityID)
	if title := displayTitle(c); title != "" {
		fmt.Fprintf(&b, " %q", title)
	}

	fields := make([]string, 0, len(c.Fields))
	deleted := false
	for _, f := range c.Fields {
		if f == schema.DeletedField {
			deleted = true
			continue
		}
		fields = append(fields, f)
	}

	switch {
	case deleted && len(fields) == 0:
		b.WriteString(": deleted on one side, modified on the other")
	case deleted:
		fmt.Fprintf(&b, ": deleted on one side, %s changed", strings.Join(fields, ", "))
	case len(fields) == 0:
		b.WriteString(": no conflicting fields")
	default:
		fmt.Fprintf(&b, ": %s changed on both sides", strings.Join(fields, ", "))
	}
	return b.String()
}

func displayTitle(c *schema.Conflict) string {
	for _, e := range []*schema.Entity{c.Local, c.Remote, c.Base} {
		if e != nil && e.Payload != nil {
			if t := schema.Title(e.Payload); t != "" {
				return t
			}
		}
	}
	return ""
}

// SortBySeverity orders conflicts high severity first, then oldest first.
func SortBySeverity(conflicts []*schema.Conflict) {
	rank := map[Severity]int{SeverityHigh: 0, SeverityMedium: 1, SeverityLow: 2}
	sort.SliceStable(conflicts, func(i, j int) bool {
		ri, rj := rank[ClassifySeverity(conflicts[i])], rank[ClassifySeverity(conflicts[j])]
		if ri != rj {
			return ri < rj
		}
		return conflicts[i].Timestamp.Before(conflicts[j].Timestamp)
	})
}
