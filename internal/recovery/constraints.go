package recovery

import "strings"

// Constraints carry format hints attached to a reprompt so the producer can
// avoid repeating the previous failure.
type Constraints struct {
	// FormatHints are derived from the error text.
	FormatHints []string
	// PreviousFailure restates the error verbatim.
	PreviousFailure string
}

// BuildConstraints derives reprompt constraints from a validation-style error.
func BuildConstraints(err error) *Constraints {
	if err == nil {
		return &Constraints{}
	}

	msg := strings.ToLower(err.Error())
	c := &Constraints{PreviousFailure: err.Error()}

	if strings.Contains(msg, "invalid json") {
		c.FormatHints = append(c.FormatHints, "output must be valid JSON")
	}
	if strings.Contains(msg, "missing field") {
		c.FormatHints = append(c.FormatHints, "include all required fields")
	}
	if strings.Contains(msg, "type error") {
		c.FormatHints = append(c.FormatHints, "field values must match their declared types")
	}
	return c
}
