package supervisor

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/config"
	"github.com/altibiz/pidgeon/internal/jobs"
	"github.com/altibiz/pidgeon/internal/logger"
)

// Container owns the cron scheduler and the fixed set of eight gateway
// jobs. It tracks the cron expression each job was last scheduled with,
// so a changed config interval is picked up by rebuilding that job's
// entry lazily rather than requiring a restart.
type Container struct {
	cron     *cron.Cron
	services *jobs.Services
	mu       sync.Mutex
	entries  map[string]cron.EntryID
	exprs    map[string]string
}

// NewContainer builds a Container ready to have its jobs started.
func NewContainer(services *jobs.Services) *Container {
	return &Container{
		cron:     cron.New(cron.WithSeconds()),
		services: services,
		entries:  make(map[string]cron.EntryID),
		exprs:    make(map[string]string),
	}
}

type jobSpec struct {
	name     string
	interval func(config.Values) string
	run      func(*jobs.Services)
}

var jobSpecs = []jobSpec{
	{"discover", func(v config.Values) string { return v.DiscoverInterval }, jobs.Discover},
	{"ping", func(v config.Values) string { return v.PingInterval }, jobs.Ping},
	{"measure", func(v config.Values) string { return v.MeasureInterval }, jobs.Measure},
	{"push", func(v config.Values) string { return v.PushInterval }, jobs.Push},
	{"update", func(v config.Values) string { return v.UpdateInterval }, jobs.Update},
	{"health", func(v config.Values) string { return v.HealthInterval }, jobs.Health},
	{"daily", func(v config.Values) string { return v.DailyInterval }, jobs.Daily},
	{"nightly", func(v config.Values) string { return v.NightlyInterval }, jobs.Nightly},
}

// Startup reads the current config and schedules every job.
func (c *Container) Startup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	values, err := c.services.Config.Values()
	if err != nil {
		return fmt.Errorf("failed to read config for scheduler startup: %w", err)
	}

	for _, spec := range jobSpecs {
		expr := config.CronExpr(spec.interval(values))
		if err := c.scheduleLocked(spec, expr); err != nil {
			return fmt.Errorf("failed to schedule job %s (%q): %w", spec.name, expr, err)
		}
	}

	c.cron.Start()
	return nil
}

// scheduleLocked registers spec's cron entry at expr, recording it so a
// later config change can be detected against it. Callers must hold mu.
func (c *Container) scheduleLocked(spec jobSpec, expr string) error {
	id, err := c.cron.AddFunc(expr, func() { c.runJob(spec) })
	if err != nil {
		return err
	}
	c.entries[spec.name] = id
	c.exprs[spec.name] = expr
	return nil
}

// runJob executes one job tick and then checks whether its configured
// cron interval has changed since it was last scheduled; the job bodies
// that read config reload it themselves, and rescheduleIfChanged reloads
// it after every tick. The cron expression that drives the schedule
// itself is only rebuilt here, lazily, so a change
// takes effect starting with the job's next natural interval rather
// than firing immediately.
func (c *Container) runJob(spec jobSpec) {
	log := logger.WithJob(spec.name)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("recovered", r))
		}
	}()

	spec.run(c.services)
	c.rescheduleIfChanged(spec, log)
}

func (c *Container) rescheduleIfChanged(spec jobSpec, log *zap.Logger) {
	values, err := c.services.Config.Reload()
	if err != nil {
		return
	}
	expr := config.CronExpr(spec.interval(values))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exprs[spec.name] == expr {
		return
	}

	c.cron.Remove(c.entries[spec.name])
	if err := c.scheduleLocked(spec, expr); err != nil {
		log.Error("failed to reschedule job after config change", zap.String("expr", expr), zap.Error(err))
	}
}

// Shutdown stops the scheduler and every backing service.
func (c *Container) Shutdown() error {
	c.mu.Lock()
	ctx := c.cron.Stop()
	c.mu.Unlock()

	<-ctx.Done()

	return c.services.Shutdown()
}
