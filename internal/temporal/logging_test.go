package temporal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.temporal.io/sdk/log"
)

func TestTemporalAdapterFields(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewTemporalAdapter(zerolog.New(&buf))

	scoped := adapter.(log.WithLogger).With("WorkflowID", "portal-email-1")
	scoped.Warn("activity failed", "Error", errors.New("smtp down"), "Attempt", 2, "dangling")

	out := buf.String()
	assert.Contains(t, out, `"component":"temporal"`)
	assert.Contains(t, out, `"WorkflowID":"portal-email-1"`)
	assert.Contains(t, out, `"Error":"smtp down"`)
	assert.Contains(t, out, `"Attempt":2`)
	assert.Contains(t, out, `"extra":"dangling"`)
	assert.Contains(t, out, `"level":"warn"`)
}
