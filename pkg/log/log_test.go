package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	// Level methods are chained directly on the helper returns everywhere in
	// the codebase; this exercises that exact shape.
	WithComponent("queue").Info().Msg("component line")
	WithBuildID("b1").Warn().Msg("build line")
	WithWorkerID("w1").Error().Msg("worker line")
	WithCorrelationID("corr-1").Debug().Msg("correlation line")

	type line struct {
		Component     string `json:"component"`
		BuildID       string `json:"build_id"`
		WorkerID      string `json:"worker_id"`
		CorrelationID string `json:"correlation_id"`
		Message       string `json:"message"`
	}

	dec := json.NewDecoder(&buf)
	var lines []line
	for dec.More() {
		var l line
		require.NoError(t, dec.Decode(&l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "queue", lines[0].Component)
	assert.Equal(t, "b1", lines[1].BuildID)
	assert.Equal(t, "w1", lines[2].WorkerID)
	assert.Equal(t, "corr-1", lines[3].CorrelationID)
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	WithComponent("api").Info().Msg("suppressed")
	assert.Zero(t, buf.Len())

	WithComponent("api").Error().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
