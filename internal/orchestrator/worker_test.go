package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestValidateLabel(t *testing.T) {
	tests := []struct {
		name  string
		label string
		ok    bool
	}{
		{"plain", "build backend", true},
		{"max length", strings.Repeat("a", 200), true},
		{"too long", strings.Repeat("a", 201), false},
		{"empty", "", false},
		{"newline", "line\nbreak", false},
		{"tab", "tab\there", false},
		{"del byte", "x\x7fy", false},
		{"unicode", "déployer ✓", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLabel(tt.label)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateLabel_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		label := rapid.String().Draw(t, "label")
		err := validateLabel(label)

		hasControl := false
		for i := 0; i < len(label); i++ {
			if label[i] < 32 || label[i] == 127 {
				hasControl = true
				break
			}
		}
		wantOK := len(label) >= 1 && len(label) <= 200 && !hasControl
		if wantOK != (err == nil) {
			t.Fatalf("label %q: got err=%v, want ok=%v", label, err, wantOK)
		}
	})
}

func TestWorkerIDs_AlwaysValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_ = rapid.Int().Draw(t, "seed")
		id := newWorkerID()
		if !ValidID(id) {
			t.Fatalf("generated id %q fails its own format", id)
		}
	})
}

func TestValidateProjectPath(t *testing.T) {
	assert.NoError(t, validateProjectPath("strategos"))
	assert.NoError(t, validateProjectPath("team/strategos"))
	assert.Error(t, validateProjectPath(""))
	assert.Error(t, validateProjectPath("../outside"))
	assert.Error(t, validateProjectPath("a/../../b"))
}

func TestSnapshotStripsInternals(t *testing.T) {
	w := &Worker{ID: "abcd1234", Label: "x", ralphToken: "secret", command: "claude", initialInput: "go"}
	snap := w.snapshot()
	assert.Empty(t, snap.ralphToken)
	assert.Empty(t, snap.command)
	assert.Empty(t, snap.initialInput)
	assert.Nil(t, snap.ring)
}
