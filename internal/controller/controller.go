// Package controller runs registered modules on a cron schedule and persists their state after every tick.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"statemax-go/internal/clock"
	"statemax-go/internal/metrics"
	"statemax-go/internal/store"
	"statemax-go/internal/util"
)

// Module is one unit of work driven by the controller. Tick runs for every module before any
// PostTick so that all modules observe the same now.
type Module interface {
	Name() string
	Init(ctx context.Context, now time.Time) error
	Tick(ctx context.Context, now time.Time) error
	PostTick(ctx context.Context, now time.Time) error
}

// Controller ticks modules in registration order, one tick at a time.
type Controller struct {
	modules []Module
	state   *store.State
	clock   clock.Clock
	log     zerolog.Logger

	// HaltOnError returns the first module error instead of logging and carrying on.
	HaltOnError bool

	mu sync.Mutex
}

// New builds a controller. state may be nil when nothing should persist.
func New(modules []Module, state *store.State, clk clock.Clock, log zerolog.Logger) *Controller {
	if clk == nil {
		clk = clock.System{}
	}
	return &Controller{
		modules: modules,
		state:   state,
		clock:   clk,
		log:     util.Component(log, "controller"),
	}
}

// Init prepares every module; any failure aborts start-up.
func (c *Controller) Init(ctx context.Context) error {
	now := c.clock.Now()
	for _, m := range c.modules {
		if err := m.Init(ctx, now); err != nil {
			return fmt.Errorf("init %s: %w", m.Name(), err)
		}
	}
	return c.save(ctx, now)
}

// Tick runs one full cycle. Module errors are logged and counted; state is saved regardless.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.log.Info().Time("now", now).Msg("tick start")

	var first error
	fail := func(m Module, stage string, err error) {
		metrics.TickErrorsTotal.WithLabelValues(m.Name()).Inc()
		c.log.Error().Err(err).Str("module", m.Name()).Str("stage", stage).Msg("module failed")
		if first == nil {
			first = fmt.Errorf("%s %s: %w", m.Name(), stage, err)
		}
	}

	ticked := make([]bool, len(c.modules))
	for i, m := range c.modules {
		metrics.TicksTotal.WithLabelValues(m.Name()).Inc()
		if err := m.Tick(ctx, now); err != nil {
			fail(m, "tick", err)
			if c.HaltOnError {
				break
			}
			continue
		}
		ticked[i] = true
	}
	if first == nil || !c.HaltOnError {
		for i, m := range c.modules {
			if !ticked[i] {
				continue
			}
			if err := m.PostTick(ctx, now); err != nil {
				fail(m, "post_tick", err)
				if c.HaltOnError {
					break
				}
			}
		}
	}

	if err := c.save(ctx, now); err != nil {
		c.log.Error().Err(err).Msg("state save failed")
		if first == nil {
			first = err
		}
	}
	c.log.Info().Time("now", now).Bool("ok", first == nil).Msg("tick done")
	if c.HaltOnError {
		return first
	}
	return nil
}

func (c *Controller) save(ctx context.Context, now time.Time) error {
	if c.state == nil {
		return nil
	}
	if err := c.state.Save(ctx, now); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Start ticks on spec until ctx ends. spec is a cron expression with an optional leading
// seconds field, or a descriptor such as "@daily". Overlapping ticks are skipped.
func (c *Controller) Start(ctx context.Context, spec string) error {
	logger := cronLogger{c.log}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := sched.AddFunc(spec, func() {
		if err := c.Tick(ctx); err != nil {
			c.log.Error().Err(err).Msg("tick failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	c.log.Info().Str("schedule", spec).Msg("start running")
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	c.log.Info().Msg("scheduler stopped")
	return nil
}

// cronLogger routes scheduler logs through zerolog.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
