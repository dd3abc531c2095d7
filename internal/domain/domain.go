package domain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// PendingResolution is the resolution text of a defect that has not been resolved.
const PendingResolution = "Pending"

// ErrAlreadyResolved is returned when resolving a defect a second time.
var ErrAlreadyResolved = errors.New("defect already resolved")

var idPattern = regexp.MustCompile(`(?i)^D-\d{3}$`)

type Defect struct {
	ID                string     `json:"id"`
	TaskName          string     `json:"task_name"`
	Description       string     `json:"description"`
	LoggedBy          string     `json:"logged_by"`
	Severity          Severity   `json:"severity" enum:"minor,critical"`
	Detail            string     `json:"detail,omitempty"`
	Resolved          bool       `json:"resolved"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	ResolutionDetails string     `json:"resolution_details"`
	LoggedAt          time.Time  `json:"logged_at" format:"date-time"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty" format:"date-time"`
}

// NewDefect builds a defect of the variant named by tag. It does not validate
// the id or look for duplicates.
func NewDefect(tag, id, task, description, reporter, detail string, loggedAt time.Time) *Defect {
	return &Defect{
		ID:                id,
		TaskName:          task,
		Description:       description,
		LoggedBy:          reporter,
		Severity:          ParseSeverity(tag),
		Detail:            detail,
		ResolutionDetails: PendingResolution,
		LoggedAt:          loggedAt,
	}
}

// CheckResolution reports an error when Resolved and ResolvedAt disagree.
func (d Defect) CheckResolution() error {
	if d.Resolved != (d.ResolvedAt != nil) {
		return fmt.Errorf("defect %s: resolved flag and resolved_at disagree", d.ID)
	}
	return nil
}

// Resolve marks the defect resolved. It can succeed only once.
func (d *Defect) Resolve(resolver, details string, at time.Time) error {
	if d.Resolved {
		return fmt.Errorf("%s: %w", d.ID, ErrAlreadyResolved)
	}
	d.Resolved = true
	d.ResolvedBy = resolver
	d.ResolutionDetails = details
	d.ResolvedAt = &at
	return nil
}

func (d Defect) ImpactLevel() string { return d.Severity.ImpactLevel() }

func (d Defect) PriorityWeight() int { return d.Severity.PriorityWeight() }

func (d Defect) IsCritical() bool { return d.Severity == SeverityCritical }

// AgingAt is the time the defect has been (or was) open, measured at now.
// Resolved defects are frozen at ResolvedAt.
func (d Defect) AgingAt(now time.Time) time.Duration {
	end := now
	if d.Resolved && d.ResolvedAt != nil {
		end = *d.ResolvedAt
	}
	return end.Sub(d.LoggedAt)
}

func (d Defect) Aging() time.Duration { return d.AgingAt(time.Now()) }

// FormatAging renders a duration as "<h>h <m>m".
func FormatAging(age time.Duration) string {
	if age < 0 {
		age = 0
	}
	hours := int(age / time.Hour)
	minutes := int((age % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// Status is the display status of the defect.
func (d Defect) Status() string {
	if d.Resolved {
		return "Resolved"
	}
	return "Unresolved"
}

// Matches reports whether term occurs in the searchable text of the defect.
func (d Defect) Matches(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	row := strings.ToLower(strings.Join([]string{d.ID, d.TaskName, d.ImpactLevel(), d.LoggedBy, d.Description}, " "))
	return strings.Contains(row, term)
}

// SameID compares defect ids case-insensitively.
func SameID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ValidID reports whether id has the D-NNN shape.
func ValidID(id string) bool {
	return idPattern.MatchString(strings.TrimSpace(id))
}

// Less is the triage order: unresolved before resolved, then higher priority
// weight, then most recently logged.
func Less(a, b Defect) bool {
	if a.Resolved != b.Resolved {
		return !a.Resolved
	}
	if wa, wb := a.PriorityWeight(), b.PriorityWeight(); wa != wb {
		return wa > wb
	}
	return a.LoggedAt.After(b.LoggedAt)
}

// SortForTriage orders defects in place by Less. Equal entries keep their
// relative order.
func SortForTriage(defects []Defect) {
	sort.SliceStable(defects, func(i, j int) bool { return Less(defects[i], defects[j]) })
}
