package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertStepRan checks captured text-format logs for the success line of
// the given step.
func AssertStepRan(t *testing.T, logs, stepID string) {
	t.Helper()
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, "Step succeeded.") && strings.Contains(line, "step="+stepID+" ") {
			return
		}
	}
	require.Failf(t, "step did not run", "no success log line for step '%s'", stepID)
}

// AssertWindowsOverlap checks that every pair of records overlaps in time.
func AssertWindowsOverlap(t *testing.T, records ...ExecutionRecord) {
	t.Helper()
	for i := range records {
		for j := i + 1; j < len(records); j++ {
			assert.True(t, records[i].Overlaps(records[j]), "windows %d and %d do not overlap", i, j)
		}
	}
}
