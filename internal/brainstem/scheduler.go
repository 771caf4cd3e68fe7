package brainstem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SchedulerOption configures a Scheduler, mirroring the functional-options
// pattern used by the teacher's cron scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerClock overrides the clock; tests use this to avoid real
// sleeps and to assert idempotent daily/weekly windows deterministically.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedulerTickInterval overrides the monitoring-loop tick interval.
func WithSchedulerTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// ConsolidationTrigger decides whether memory consolidation should run now
// and performs it; returning an error just logs, it never stops the loop.
type ConsolidationTrigger func(ctx context.Context) error

// DiskUsageProbe reports current disk usage percent for the lifecycle loop.
type DiskUsageProbe func() (float64, error)

// ArchiveFunc performs the daily archive pass.
type ArchiveFunc func(ctx context.Context) error

// PurgeFunc performs the weekly purge pass.
type PurgeFunc func(ctx context.Context) error

// SchedulerConfig bundles tunables for the three cooperative loops: should
// consolidate (monitoring), disk/archive/purge (lifecycle), and the
// request-tracking state that feeds idle-time detection. Defaults mirror
// spec §4.11.
type SchedulerConfig struct {
	MinConsolidationInterval time.Duration
	IdleTime                 time.Duration
	CPUThreshold             float64
	MemoryThreshold          float64

	DiskUsageAlertPercent float64
	ArchiveHourUTC        int
	PurgeWeekday          time.Weekday
	PurgeHourUTC          int

	Sensors     *SensorLayer
	Consolidate ConsolidationTrigger
	DiskUsage   DiskUsageProbe
	Archive     ArchiveFunc
	Purge       PurgeFunc
	EventLog    *EventLogger
}

// Scheduler runs the monitoring and lifecycle loops until stopped, grounded
// on the teacher's cron.Scheduler tick-loop/options pattern generalized
// from dispatching configured jobs to these two fixed background loops.
type Scheduler struct {
	cfg          SchedulerConfig
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu               sync.Mutex
	started          bool
	wg               sync.WaitGroup
	lastRequestAt    time.Time
	lastConsolidated time.Time
	lastDiskCheck    time.Time
	lastArchiveDate  string
	lastPurgeWeek    string
	cancel           context.CancelFunc
}

// NewScheduler builds a Scheduler with spec-default thresholds applied.
func NewScheduler(cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.MinConsolidationInterval <= 0 {
		cfg.MinConsolidationInterval = time.Hour
	}
	if cfg.IdleTime <= 0 {
		cfg.IdleTime = 300 * time.Second
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 50.0
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 70.0
	}
	if cfg.DiskUsageAlertPercent <= 0 {
		cfg.DiskUsageAlertPercent = 80.0
	}
	if cfg.PurgeWeekday == 0 && cfg.PurgeHourUTC == 0 {
		cfg.PurgeWeekday = time.Sunday
		cfg.PurgeHourUTC = 3
	}
	s := &Scheduler{
		cfg:          cfg,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordRequest notes that a request just arrived; the monitoring loop
// uses this to compute idle time before considering consolidation.
func (s *Scheduler) RecordRequest() {
	s.mu.Lock()
	s.lastRequestAt = s.now()
	s.mu.Unlock()
}

// Start launches the monitoring and lifecycle loops in background
// goroutines; it is a no-op if already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.lastRequestAt = s.now()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.monitoringLoop(loopCtx)
	go s.lifecycleLoop(loopCtx)
}

// Stop cancels both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) monitoringLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeConsolidate(ctx)
		}
	}
}

// maybeConsolidate implements the should-consolidate predicate: the
// configured minimum interval must have elapsed since the last
// consolidation AND (the system has been idle long enough OR resource
// usage is low enough that consolidation won't compete for headroom).
func (s *Scheduler) maybeConsolidate(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	if !s.lastConsolidated.IsZero() && now.Sub(s.lastConsolidated) < s.cfg.MinConsolidationInterval {
		s.mu.Unlock()
		return
	}
	idleFor := now.Sub(s.lastRequestAt)
	s.mu.Unlock()

	idleEnough := idleFor >= s.cfg.IdleTime
	resourcesLow := true
	if s.cfg.Sensors != nil {
		snap := s.cfg.Sensors.PollSystemMetrics(SensorCacheKeySystem)
		if cpu, ok := snap["cpu_percent"]; ok && cpu > s.cfg.CPUThreshold {
			resourcesLow = false
		}
		if mem, ok := snap["memory_percent"]; ok && mem > s.cfg.MemoryThreshold {
			resourcesLow = false
		}
	}

	if !idleEnough && !resourcesLow {
		return
	}
	if s.cfg.Consolidate == nil {
		return
	}

	if err := s.cfg.Consolidate(ctx); err != nil {
		s.emit(ctx, "memory_consolidation_failed", map[string]any{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.lastConsolidated = now
	s.mu.Unlock()
	s.emit(ctx, "memory_consolidation_completed", nil)
}

func (s *Scheduler) lifecycleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	s.runLifecycleChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLifecycleChecks(ctx)
		}
	}
}

// runLifecycleChecks performs the hourly disk check plus the daily archive
// and weekly purge passes, each gated so it runs at most once per its
// window (idempotent across repeated ticks within the same day/week).
func (s *Scheduler) runLifecycleChecks(ctx context.Context) {
	now := s.now()
	s.checkDiskUsage(ctx)

	if now.UTC().Hour() >= s.cfg.ArchiveHourUTC {
		dateKey := now.UTC().Format("2006-01-02")
		s.mu.Lock()
		already := s.lastArchiveDate == dateKey
		if !already {
			s.lastArchiveDate = dateKey
		}
		s.mu.Unlock()
		if !already && s.cfg.Archive != nil {
			if err := s.cfg.Archive(ctx); err != nil {
				s.emit(ctx, "archive_failed", map[string]any{"error": err.Error()})
			} else {
				s.emit(ctx, "archive_completed", nil)
			}
		}
	}

	if now.UTC().Weekday() == s.cfg.PurgeWeekday && now.UTC().Hour() >= s.cfg.PurgeHourUTC {
		year, week := now.UTC().ISOWeek()
		weekKey := weekKeyOf(year, week)
		s.mu.Lock()
		already := s.lastPurgeWeek == weekKey
		if !already {
			s.lastPurgeWeek = weekKey
		}
		s.mu.Unlock()
		if !already && s.cfg.Purge != nil {
			if err := s.cfg.Purge(ctx); err != nil {
				s.emit(ctx, "purge_failed", map[string]any{"error": err.Error()})
			} else {
				s.emit(ctx, "purge_completed", nil)
			}
		}
	}
}

func (s *Scheduler) checkDiskUsage(ctx context.Context) {
	if s.cfg.DiskUsage == nil {
		return
	}
	s.mu.Lock()
	now := s.now()
	if !s.lastDiskCheck.IsZero() && now.Sub(s.lastDiskCheck) < time.Hour {
		s.mu.Unlock()
		return
	}
	s.lastDiskCheck = now
	s.mu.Unlock()

	pct, err := s.cfg.DiskUsage()
	if err != nil {
		s.emit(ctx, "disk_usage_check_failed", map[string]any{"error": err.Error()})
		return
	}
	if pct > s.cfg.DiskUsageAlertPercent {
		s.emit(ctx, "disk_usage_alert", map[string]any{"percent": pct})
	}
}

func weekKeyOf(year, week int) string {
	return fmt.Sprintf("%04d-%02d", year, week)
}

func (s *Scheduler) emit(ctx context.Context, name string, fields map[string]any) {
	if s.cfg.EventLog == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	s.cfg.EventLog.Log(ctx, Event{
		Level:     "info",
		EventName: name,
		Component: "scheduler",
		Fields:    fields,
	})
}
