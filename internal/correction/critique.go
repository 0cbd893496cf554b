package correction

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity grades a critique finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Critique is one structured finding about an output.
type Critique struct {
	Type       string   `json:"type"`
	Severity   Severity `json:"severity"`
	Location   string   `json:"location,omitempty"`
	Message    string   `json:"message"`
	Evidence   string   `json:"evidence,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

var (
	digitRe  = regexp.MustCompile(`\d+`)
	quotedRe = regexp.MustCompile("`[^`]*`|\"[^\"]*\"|'[^']*'")
)

// normalizeKey reduces a critique to a stable (type, message) identity so the
// same complaint phrased against different line numbers or literals compares
// equal across iterations.
func normalizeKey(c Critique) string {
	msg := strings.ToLower(c.Message)
	msg = quotedRe.ReplaceAllString(msg, "")
	msg = digitRe.ReplaceAllString(msg, "N")
	msg = strings.Join(strings.Fields(msg), " ")
	return strings.ToLower(c.Type) + "|" + msg
}

// critiqueSet builds the identity set for stagnation comparison.
func critiqueSet(critiques []Critique) map[string]bool {
	set := make(map[string]bool, len(critiques))
	for _, c := range critiques {
		set[normalizeKey(c)] = true
	}
	return set
}

// isSubset reports whether every element of sub is present in super.
func isSubset(sub, super map[string]bool) bool {
	if len(sub) > len(super) {
		return false
	}
	for k := range sub {
		if !super[k] {
			return false
		}
	}
	return true
}

// FormatCritiques renders critiques as the revision prompt sent back to the
// producer. Errors come first so the producer sees blocking findings before
// style nits.
func FormatCritiques(critiques []Critique) string {
	var b strings.Builder
	b.WriteString("Your previous output has the following issues. Revise it to address each one.\n")

	for _, sev := range []Severity{SeverityError, SeverityWarning, SeverityInfo} {
		for _, c := range critiques {
			if c.Severity != sev {
				continue
			}
			b.WriteString(fmt.Sprintf("\n[%s] %s: %s", c.Severity, c.Type, c.Message))
			if c.Location != "" {
				b.WriteString(fmt.Sprintf(" (at %s)", c.Location))
			}
			if c.Suggestion != "" {
				b.WriteString(fmt.Sprintf("\n  suggestion: %s", c.Suggestion))
			}
		}
	}
	b.WriteString("\n\nReturn only the revised output.\n")
	return b.String()
}
