package domain

import (
	"fmt"
	"strings"
)

// Severity is the closed set of defect variants.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityCritical Severity = "critical"
)

type severityTraits struct {
	impact    string
	weight    int
	attribute string
}

// severityTable is the single place a new variant has to be registered.
var severityTable = map[Severity]severityTraits{
	SeverityMinor:    {impact: "Minor", weight: 1, attribute: "cosmetic_area"},
	SeverityCritical: {impact: "CRITICAL", weight: 10, attribute: "safety_risk"},
}

// ParseSeverity maps a free-form tag to a variant. Only "critical" (any case)
// selects Critical; everything else is Minor.
func ParseSeverity(tag string) Severity {
	if strings.EqualFold(strings.TrimSpace(tag), string(SeverityCritical)) {
		return SeverityCritical
	}
	return SeverityMinor
}

func (s Severity) traits() severityTraits {
	if t, ok := severityTable[s]; ok {
		return t
	}
	return severityTable[SeverityMinor]
}

// ImpactLevel is the display label ("Minor" / "CRITICAL").
func (s Severity) ImpactLevel() string { return s.traits().impact }

// PriorityWeight is the ordering weight (Critical=10, Minor=1).
func (s Severity) PriorityWeight() int { return s.traits().weight }

// DetailName names the variant-specific attribute carried in Defect.Detail.
func (s Severity) DetailName() string { return s.traits().attribute }

// Valid reports whether s is a registered variant.
func (s Severity) Valid() bool {
	_, ok := severityTable[s]
	return ok
}

func (s Severity) String() string { return string(s) }

// ValidateSeverity rejects values that are not registered variants. Used when
// rehydrating stored rows.
func ValidateSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}
