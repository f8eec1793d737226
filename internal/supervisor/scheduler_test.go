package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altibiz/pidgeon/internal/config"
	"github.com/altibiz/pidgeon/internal/jobs"
	"github.com/altibiz/pidgeon/internal/modbus"
)

func newTestConfig(t *testing.T) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))
	mgr, err := config.New(path)
	require.NoError(t, err)
	return mgr
}

func TestStartupSchedulesEveryJob(t *testing.T) {
	cfgManager := newTestConfig(t)
	worker := modbus.Spawn(modbus.WorkerConfig{
		Initial:            modbus.Params{Timeout: 50 * time.Millisecond, Backoff: time.Millisecond, Retries: 1},
		TerminationTimeout: time.Second,
	})
	defer worker.Terminate()

	services := &jobs.Services{Config: cfgManager, Worker: worker}
	container := NewContainer(services)

	require.NoError(t, container.Startup())
	defer container.cron.Stop()

	assert.Len(t, container.entries, len(jobSpecs))
	assert.Len(t, container.cron.Entries(), len(jobSpecs))
	for _, spec := range jobSpecs {
		_, ok := container.entries[spec.name]
		assert.True(t, ok, "expected a scheduled entry for job %s", spec.name)
	}
}

func TestStartupRejectsMalformedInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discover_interval: not-a-cron-expr\n"), 0o644))
	cfgManager, err := config.New(path)
	require.NoError(t, err)

	worker := modbus.Spawn(modbus.WorkerConfig{
		Initial:            modbus.Params{Timeout: 50 * time.Millisecond, Backoff: time.Millisecond, Retries: 1},
		TerminationTimeout: time.Second,
	})
	defer worker.Terminate()

	container := NewContainer(&jobs.Services{Config: cfgManager, Worker: worker})
	err = container.Startup()
	assert.Error(t, err)
}
