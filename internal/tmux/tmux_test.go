package tmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionName_RoundTrip(t *testing.T) {
	name := SessionName("ab12cd34")
	assert.Equal(t, "foreman-ab12cd34", name)
	assert.Equal(t, "ab12cd34", WorkerID(name))
}

func TestWorkerID_RejectsForeignNames(t *testing.T) {
	tests := []string{
		"",
		"foreman-",
		"foreman-xyz",
		"foreman-ab12cd3",   // too short
		"foreman-ab12cd345", // too long
		"foreman-AB12CD34",  // upper case
		"other-ab12cd34",
		"ab12cd34",
	}
	for _, name := range tests {
		assert.Empty(t, WorkerID(name), "name %q should not parse", name)
	}
}

func TestForemanSessions_FiltersAndExtracts(t *testing.T) {
	names := []string{
		"foreman-ab12cd34",
		"scratch",
		"foreman-00ff00ff",
		"foreman-not-a-worker",
	}
	assert.Equal(t, []string{"ab12cd34", "00ff00ff"}, ForemanSessions(names))
}

func TestForemanSessions_Empty(t *testing.T) {
	assert.Empty(t, ForemanSessions(nil))
	assert.Empty(t, ForemanSessions([]string{"main", "dev"}))
}
