// Package resolution suggests remediation steps for a defect from keywords in
// its description.
package resolution

import (
	"strings"

	"defectline/internal/domain"
)

// Category names the rule that produced a suggestion.
type Category string

const (
	CategoryElectrical Category = "electrical"
	CategoryCosmetic   Category = "cosmetic"
	CategoryHardware   Category = "hardware"
	CategorySoftware   Category = "software"
	CategoryEscalation Category = "escalation"
	CategoryRework     Category = "rework"
)

const (
	electricalFix = "Isolate power supply immediately. Replace damaged wiring, perform continuity testing, and verify against safety protocol IEEE-1584."
	cosmeticFix   = "Route to touch-up station. Buff affected area, reapply surface coating, and verify thickness under QA lighting."
	hardwareFix   = "Perform line-stop. Replenish hardware bins, install missing components, and recalibrate automated dispensers."
	softwareFix   = "Extract error logs, flash firmware to the last known stable version, and reboot system in diagnostic mode."
	escalationFix = "Halt operation immediately. Escalate to Senior Engineering for a 5-Whys Root Cause Analysis (RCA) before resuming."
	reworkFix     = "Apply standard Tier-1 rework procedure and flag unit for secondary QA inspection."
)

type rule struct {
	category Category
	keywords []string
	text     string
}

// Evaluated top to bottom; the severity fallback only applies when none match.
var rules = []rule{
	{CategoryElectrical, []string{"wire", "voltage", "shock", "electric"}, electricalFix},
	{CategoryCosmetic, []string{"scratch", "paint", "dent", "cosmetic"}, cosmeticFix},
	{CategoryHardware, []string{"missing", "screw", "bolt", "part"}, hardwareFix},
	{CategorySoftware, []string{"software", "crash", "bug", "boot"}, softwareFix},
}

// Suggestion is a canned remediation and the rule it came from.
type Suggestion struct {
	Category Category `json:"category"`
	Text     string   `json:"text"`
}

// Suggest classifies d and returns the matching remediation.
func Suggest(d domain.Defect) Suggestion {
	desc := strings.ToLower(d.Description)
	for _, r := range rules {
		if containsAny(desc, r.keywords) {
			return Suggestion{Category: r.category, Text: r.text}
		}
	}
	if d.ImpactLevel() == domain.SeverityCritical.ImpactLevel() {
		return Suggestion{Category: CategoryEscalation, Text: escalationFix}
	}
	return Suggestion{Category: CategoryRework, Text: reworkFix}
}

// Classify returns the rule category that applies to d.
func Classify(d domain.Defect) Category {
	return Suggest(d).Category
}

// SuggestFix returns only the remediation text.
func SuggestFix(d domain.Defect) string {
	return Suggest(d).Text
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
