package pricetable

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// modelMappings rewrites marketplace trim names to the bare model names the
// price table uses. Keys are normalized lowercase.
var modelMappings = map[string]string{
	"the new sorento":  "sorento",
	"all new sorento":  "sorento",
	"new sorento":      "sorento",
	"sorento r":        "sorento",
	"the new k5":       "k5",
	"all new k5":       "k5",
	"new k5":           "k5",
	"the new k8":       "k8",
	"all new k8":       "k8",
	"new k8":           "k8",
	"the new k9":       "k9",
	"all new k9":       "k9",
	"new k9":           "k9",
	"the new carnival": "carnival",
	"all new carnival": "carnival",
	"new carnival":     "carnival",
	"the new sportage": "sportage",
	"all new sportage": "sportage",
	"new sportage":     "sportage",
	"the new grandeur": "grandeur",
	"all new grandeur": "grandeur",
	"new grandeur":     "grandeur",
	"the new avante":   "avante",
	"all new avante":   "avante",
	"new avante":       "avante",
	"the new sonata":   "sonata",
	"all new sonata":   "sonata",
	"new sonata":       "sonata",
	"the new tucson":   "tucson",
	"all new tucson":   "tucson",
	"new tucson":       "tucson",
	"the new santa fe": "santa fe",
	"all new santa fe": "santa fe",
	"new santa fe":     "santa fe",
	"genesis g70":      "g70",
	"genesis g80":      "g80",
	"genesis g90":      "g90",
	"genesis gv70":     "gv70",
	"genesis gv80":     "gv80",
}

// stripPatterns remove marketing prefixes, generation markers and drivetrain
// suffixes that never appear in the price table.
var stripPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)the new\s+`),
	regexp.MustCompile(`(?i)all new\s+`),
	regexp.MustCompile(`(?i)new\s+`),
	regexp.MustCompile(`\d{1,2}세대`),
	regexp.MustCompile(`\s+\d{1,2}$`),
	regexp.MustCompile(`(?i)\s+r$`),
	regexp.MustCompile(`(?i)\s+hybrid$`),
	regexp.MustCompile(`(?i)\s+electric$`),
	regexp.MustCompile(`(?i)\s+ev$`),
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeModel lowercases a marketplace model name and strips decorations.
func NormalizeModel(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	for _, re := range stripPatterns {
		normalized = re.ReplaceAllString(normalized, "")
	}
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(normalized, " "))
}

// MapModel resolves a marketplace model name to its price-table form: exact
// mapping first, then the normalized name.
func MapModel(model string) string {
	lower := strings.ToLower(strings.TrimSpace(model))
	if mapped, ok := modelMappings[lower]; ok {
		return mapped
	}
	normalized := NormalizeModel(model)
	if mapped, ok := modelMappings[normalized]; ok {
		return mapped
	}
	return normalized
}

// closestModel picks the candidate with the smallest edit distance from
// name, rejecting anything further than a third of the name's length. Keeps
// typos and transliteration drift from missing table rows.
func closestModel(name string, candidates []string) (string, bool) {
	best := ""
	bestDist := -1
	for _, candidate := range candidates {
		d := matchr.Levenshtein(name, candidate)
		if bestDist < 0 || d < bestDist {
			best = candidate
			bestDist = d
		}
	}
	if bestDist < 0 || bestDist > len(name)/3 {
		return "", false
	}
	return best, true
}
