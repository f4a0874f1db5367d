package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/telemetry"
)

func TestJoinErrors(t *testing.T) {
	assert.Equal(t, "migration reported failure with no detail", joinErrors(nil, nil))
	assert.Equal(t, "boom", joinErrors([]string{"boom"}, nil))
	assert.Equal(t, "table a failed; table b failed", joinErrors([]string{"table a failed", "table b failed"}, nil))
}

func TestJoinErrorsFallsBackToTablesFailed(t *testing.T) {
	tablesFailed := []models.TableFailure{
		{Table: "widgets", Error: "write error: timeout"},
	}
	assert.Equal(t, "table widgets: write error: timeout", joinErrors(nil, tablesFailed))
}

func TestWithTelemetryAttachesManager(t *testing.T) {
	mgr, err := telemetry.New("migrator-orchestrator-test")
	require.NoError(t, err)

	o := &Orchestrator{}
	o.WithTelemetry(mgr)
	assert.Same(t, mgr, o.Telemetry)
}
