// Package scheduler turns the three trigger sources into flush attempts: an
// explicit request from a foreground context, the persisted deferred trigger
// fired on connectivity, and a fallback timer.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/posync/internal/db"
	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
)

// Trigger identifies what asked for a flush.
type Trigger string

const (
	TriggerMessage  Trigger = "message"
	TriggerDeferred Trigger = "deferred"
	TriggerFallback Trigger = "fallback"
)

// requestBuffer bounds queued requests. Requests beyond it are dropped; a
// flush is already on its way.
const requestBuffer = 8

// Prober checks whether the order service is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Scheduler manages background flush triggers.
type Scheduler struct {
	engine   syncpkg.Flusher
	triggers db.TriggerRepository
	prober   Prober
	logger   *logging.Logger

	probeInterval    time.Duration
	fallbackInterval time.Duration
	probeTimeout     time.Duration

	requests chan Trigger
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	lastProbe    time.Time
	lastSyncTime time.Time
}

// Config holds scheduler configuration.
type Config struct {
	ProbeInterval    time.Duration // how often connectivity is probed (default: 15s)
	FallbackInterval time.Duration // safety-net flush while online; 0 disables
	ProbeTimeout     time.Duration // bound on one probe (default: 5s)
	Logger           *logging.Logger
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:    15 * time.Second,
		FallbackInterval: 5 * time.Minute,
		ProbeTimeout:     5 * time.Second,
	}
}

// New creates a Scheduler. With a nil prober the device is assumed online and
// connectivity only changes through SetOnlineStatus.
func New(engine syncpkg.Flusher, triggers db.TriggerRepository, prober Prober, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 15 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logging.Get()
	}

	return &Scheduler{
		engine:           engine,
		triggers:         triggers,
		prober:           prober,
		logger:           config.Logger,
		probeInterval:    config.ProbeInterval,
		fallbackInterval: config.FallbackInterval,
		probeTimeout:     config.ProbeTimeout,
		isOnline:         prober == nil,
	}
}

// Start starts the dispatcher, the prober and the fallback timer. Calling
// Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.requests = make(chan Trigger, requestBuffer)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop(ctx)

	if s.prober != nil {
		s.wg.Add(1)
		go s.probeLoop(ctx)
	}
	if s.fallbackInterval > 0 {
		s.wg.Add(1)
		go s.fallbackLoop(ctx)
	}

	// Registrations left over from before a restart fire on the first
	// connectivity signal; with no prober that is now.
	if s.IsOnline() {
		s.post(TriggerDeferred)
	}

	s.logger.Info("sync scheduler started", map[string]interface{}{
		"probe_interval":    s.probeInterval.String(),
		"fallback_interval": s.fallbackInterval.String(),
	})
}

// Stop cancels any in-flight flush and waits for every goroutine to exit.
// Calling Stop on a stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Info("sync scheduler stopped")
}

// RequestSync asks for a flush. It never blocks. It returns false when the
// scheduler is not running or its request buffer is full.
func (s *Scheduler) RequestSync() bool {
	return s.post(TriggerMessage)
}

func (s *Scheduler) post(t Trigger) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return false
	}
	select {
	case s.requests <- t:
		return true
	default:
		s.logger.Debug("sync request dropped, buffer full", map[string]interface{}{"trigger": string(t)})
		return false
	}
}

// RegisterDeferred durably records a deferred flush under tag. Registering
// an existing tag is a no-op.
func (s *Scheduler) RegisterDeferred(ctx context.Context, tag string) error {
	if s.triggers == nil {
		return apperrors.New(apperrors.ErrInternal, "deferred triggers are not configured")
	}
	created, err := s.triggers.RegisterTrigger(ctx, tag, time.Now())
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("deferred sync registered", map[string]interface{}{"tag": tag})
	}
	return nil
}

// DeferredTags lists the registered deferred triggers.
func (s *Scheduler) DeferredTags(ctx context.Context) ([]string, error) {
	if s.triggers == nil {
		return nil, nil
	}
	list, err := s.triggers.ListTriggers(ctx)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(list))
	for _, t := range list {
		tags = append(tags, t.Tag)
	}
	return tags, nil
}

// SetOnlineStatus records a connectivity observation. Going online fires
// the deferred triggers.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	s.logger.Info("online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.post(TriggerDeferred)
	}
}

// dispatchLoop turns requests into flush attempts. Each attempt runs on its
// own goroutine so a request that arrives mid-run reaches the engine and is
// refused there instead of being queued behind the run.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case t := <-s.requests:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(ctx, t)
			}()
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, t Trigger) {
	if t == TriggerDeferred {
		s.fireDeferred(ctx)
		return
	}
	s.runSync(ctx, t)
}

// runSync executes one flush attempt.
func (s *Scheduler) runSync(ctx context.Context, t Trigger) (*syncpkg.RunResult, error) {
	result, err := s.engine.Flush(ctx)
	if errors.Is(err, syncpkg.ErrSyncInProgress) {
		s.logger.Debug("sync already in progress, skipping", map[string]interface{}{"trigger": string(t)})
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorWithCode("sync run failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"trigger": string(t)})
		return result, err
	}
	s.logger.Info("sync run completed", map[string]interface{}{
		"trigger": string(t),
		"success": result.Success,
		"failed":  result.Failed,
	})
	return result, nil
}

// fireDeferred flushes on behalf of every registered deferred trigger. The
// registrations are cleared only after a clean run; anything less leaves
// them for the next connectivity signal.
func (s *Scheduler) fireDeferred(ctx context.Context) {
	if s.triggers == nil {
		return
	}
	list, err := s.triggers.ListTriggers(ctx)
	if err != nil {
		s.logger.Error("failed to read deferred triggers", err)
		return
	}
	if len(list) == 0 {
		return
	}

	now := time.Now()
	for _, t := range list {
		if err := s.triggers.MarkTriggerFired(ctx, t.Tag, now); err != nil {
			s.logger.Warn("failed to mark deferred trigger", map[string]interface{}{
				"tag":   t.Tag,
				"error": err.Error(),
			})
		}
	}

	result, err := s.runSync(ctx, TriggerDeferred)
	if err != nil || result == nil || result.Failed > 0 {
		return
	}

	for _, t := range list {
		if err := s.triggers.ClearTrigger(context.WithoutCancel(ctx), t.Tag); err != nil {
			s.logger.Warn("failed to clear deferred trigger", map[string]interface{}{
				"tag":   t.Tag,
				"error": err.Error(),
			})
		}
	}
}

// probeLoop checks connectivity immediately and then every probe interval.
// Every tick that finds the service reachable also fires deferred triggers.
func (s *Scheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		s.probe(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	err := s.prober.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.lastProbe = time.Now()
	wasOnline := s.isOnline
	s.mu.Unlock()

	online := err == nil
	if !online {
		s.logger.Debug("order service unreachable", map[string]interface{}{"error": err.Error()})
	}
	s.SetOnlineStatus(online)
	if online && wasOnline {
		s.post(TriggerDeferred)
	}
}

// fallbackLoop flushes periodically while online.
func (s *Scheduler) fallbackLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.post(TriggerFallback)
		}
	}
}

// SyncNow runs a flush on the caller's goroutine and returns its result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.RunResult, error) {
	return s.runSync(ctx, TriggerMessage)
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	IsRunning      bool       `json:"running"`
	IsOnline       bool       `json:"online"`
	SyncInProgress bool       `json:"syncing"`
	LastProbeTime  *time.Time `json:"lastProbeAt,omitempty"`
	LastSyncTime   *time.Time `json:"lastSyncAt,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.engine.IsSyncing(),
	}
	if !s.lastProbe.IsZero() {
		t := s.lastProbe
		status.LastProbeTime = &t
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns the current connectivity view.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}
