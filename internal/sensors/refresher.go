package sensors

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hatoolbar/internal/ha"
	"hatoolbar/internal/metrics"
)

const defaultFetchConcurrency = 4

// Fetcher is the REST half of ha.HAClient.
type Fetcher interface {
	FetchEntityState(ctx context.Context, entityID string) (*ha.EntityStateSnapshot, error)
}

// Refresher fetches every configured entity over REST and applies the
// results to a Monitor. It runs on a cron schedule and on demand.
type Refresher struct {
	fetcher     Fetcher
	monitor     *Monitor
	logger      *zap.Logger
	metrics     *metrics.Metrics
	concurrency int

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	schedule string
	ctx      context.Context

	running  atomic.Bool
	inflight sync.WaitGroup
}

// NewRefresher creates a refresher. mt may be nil.
func NewRefresher(fetcher Fetcher, monitor *Monitor, logger *zap.Logger, mt *metrics.Metrics) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		fetcher:     fetcher,
		monitor:     monitor,
		logger:      logger,
		metrics:     mt,
		concurrency: defaultFetchConcurrency,
	}
}

// Refresh fetches all configured entities in parallel. Failures of core
// sensors are combined into the returned error; other failures are logged.
func (r *Refresher) Refresh(ctx context.Context) error {
	mapping := r.monitor.Mapping()
	ids := mapping.EntityIDs()
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			snap, err := r.fetcher.FetchEntityState(ctx, id)
			if err != nil {
				errs[i] = err
				r.metrics.IncRESTFetch("error")
				return nil
			}
			r.metrics.IncRESTFetch("ok")
			r.monitor.Apply(id, snap.State, SourceREST)
			return nil
		})
	}
	g.Wait()

	var coreErr error
	failed := 0
	for i, id := range ids {
		if errs[i] == nil {
			continue
		}
		failed++
		core := false
		for _, s := range mapping.ForEntity(id) {
			core = core || s.Core
		}

		fields := []zap.Field{zap.String("entity_id", id), zap.Error(errs[i])}
		switch {
		case ha.IsAuthError(errs[i]):
			r.logger.Error("Home Assistant rejected the token for REST fetch", fields...)
		case core && !ha.IsRetryable(errs[i]):
			r.logger.Error("Core sensor fetch will not succeed without a config change", fields...)
		case core:
			r.logger.Warn("Failed to fetch core sensor", fields...)
		default:
			r.logger.Debug("Failed to fetch optional sensor", fields...)
		}
		if core {
			coreErr = multierr.Append(coreErr, fmt.Errorf("%s: %w", id, errs[i]))
		}
	}

	elapsed := time.Since(start)
	r.metrics.ObserveRefresh(elapsed.Seconds())
	r.logger.Info("Sensor refresh finished",
		zap.Int("entities", len(ids)),
		zap.Int("failed", failed),
		zap.Duration("duration", elapsed))
	return coreErr
}

// Trigger starts a refresh in the background unless one is running.
func (r *Refresher) Trigger(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("Refresh already running, skipping")
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.running.Store(false)
		if err := r.Refresh(ctx); err != nil {
			r.logger.Warn("Sensor refresh incomplete", zap.Error(err))
		}
	}()
}

// Running reports whether a triggered refresh is in progress.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// Start runs Trigger on schedule (a cron spec or descriptor such as
// "@every 15m") until Stop. ctx bounds every scheduled refresh.
func (r *Refresher) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("refresher already started")
	}
	c := cron.New()
	id, err := c.AddFunc(schedule, func() { r.Trigger(ctx) })
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	r.cron = c
	r.entry = id
	r.schedule = schedule
	r.ctx = ctx
	c.Start()

	r.logger.Info("Sensor refresh scheduled", zap.String("schedule", schedule))
	return nil
}

// Reschedule replaces the schedule of a started refresher.
func (r *Refresher) Reschedule(schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return fmt.Errorf("refresher not started")
	}
	if schedule == r.schedule {
		return nil
	}
	ctx := r.ctx
	id, err := r.cron.AddFunc(schedule, func() { r.Trigger(ctx) })
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	r.cron.Remove(r.entry)
	r.entry = id
	r.schedule = schedule
	r.logger.Info("Sensor refresh rescheduled", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.inflight.Wait()
}
