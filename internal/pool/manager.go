// Package pool is the lifecycle manager for the proxy pool: it pulls
// candidates from the configured sources, probes them under a bounded worker
// pool, persists the ones that work and hands them out against their quota.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"proxypool/internal/candidates"
	"proxypool/internal/checker"
	"proxypool/internal/config"
	"proxypool/internal/domain"
	"proxypool/internal/metrics"
	"proxypool/internal/poolsync"
	"proxypool/internal/sources"
)

var (
	ErrRefreshInProgress = errors.New("pool: refresh already in progress")
	ErrStoreMissing      = errors.New("pool: store is not configured")
)

// Store is the slice of the proxy store the manager needs.
type Store interface {
	Upsert(ctx context.Context, host string, port uint16) error
	ListAvailable(ctx context.Context, limit int) ([]string, error)
	DecrementQuota(ctx context.Context, host string, port uint16) error
	Count(ctx context.Context) (total int64, available int64, err error)
}

type Stats struct {
	Total     int64
	Available int64
}

type Manager struct {
	cfg       config.Pool
	store     Store
	fetcher   sources.Fetcher
	validator checker.Validator

	metrics   *metrics.Collector
	locker    poolsync.Locker
	publisher poolsync.Publisher

	refreshing atomic.Bool
}

type Option func(*Manager)

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithLocker makes Refresh take a lock shared with other instances first.
func WithLocker(locker poolsync.Locker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

func WithPublisher(publisher poolsync.Publisher) Option {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

func New(cfg config.Pool, store Store, fetcher sources.Fetcher, validator checker.Validator, opts ...Option) *Manager {
	if err := cfg.Validate(); err != nil {
		log.Warn("Pool config did not validate, continuing with defaults applied", "error", err)
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		validator: validator,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh runs one fetch -> parse -> probe -> persist cycle and returns how
// many proxies were newly stored or re-validated. Failed sources, failed
// probes and failed writes are logged and skipped. When the refresh deadline
// passes, outstanding probes are abandoned and whatever was already persisted
// stays.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, ErrStoreMissing
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		return 0, ErrRefreshInProgress
	}
	defer m.refreshing.Store(false)

	if m.locker != nil {
		release, err := m.locker.Acquire(ctx)
		switch {
		case errors.Is(err, poolsync.ErrLockHeld):
			log.Info("Refresh skipped, another instance holds the lock")
			return 0, ErrRefreshInProgress
		case err != nil:
			log.Warn("Refresh lock unavailable, refreshing without it", "error", err)
		default:
			defer release()
		}
	}

	started := time.Now()
	refreshCtx, cancel := context.WithTimeout(ctx, m.cfg.RefreshDeadline)
	defer cancel()

	found := candidates.Parse(m.fetchBlobs(refreshCtx))
	log.Info("Total proxies fetched", "count", len(found))

	persisted := m.validateAndStore(refreshCtx, found)
	m.metrics.ObserveRefresh(started, len(found))

	stats, err := m.Stats(context.WithoutCancel(ctx))
	if err != nil {
		log.Warn("Failed to read pool stats after refresh", "error", err)
	}
	m.metrics.SetAvailable(stats.Available)

	log.Info("Refresh finished",
		"candidates", len(found),
		"persisted", persisted,
		"available", stats.Available,
		"duration", time.Since(started).Round(time.Millisecond),
	)

	if m.publisher != nil {
		event := poolsync.RefreshEvent{Persisted: persisted, Available: stats.Available}
		if err := m.publisher.PublishRefresh(context.WithoutCancel(ctx), event); err != nil {
			log.Warn("Failed to publish refresh event", "error", err)
		}
	}

	return persisted, nil
}

func (m *Manager) fetchBlobs(ctx context.Context) []string {
	if m.fetcher == nil {
		return nil
	}

	results := m.fetcher.Fetch(ctx, m.cfg.Sources)
	blobs := make([]string, 0, len(results))
	for _, source := range m.cfg.Sources {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		body, ok := results[source]
		m.metrics.ObserveSource(ok)
		if ok {
			blobs = append(blobs, body)
		}
	}
	return blobs
}

// validateAndStore feeds candidates through a shared queue to at most
// WorkerCount probe workers. At the deadline outstanding probes are
// abandoned, but writes that already started are waited for so the count
// and the refresh lock cover everything this run persisted.
func (m *Manager) validateAndStore(ctx context.Context, found []string) int {
	if len(found) == 0 || m.validator == nil {
		return 0
	}

	workers := m.cfg.WorkerCount
	if workers > len(found) {
		workers = len(found)
	}

	var (
		persisted atomic.Int64
		writes    writeGate
		group     errgroup.Group
		queue     = make(chan string)
	)

	for i := 0; i < workers; i++ {
		group.Go(func() error {
			for candidate := range queue {
				if ctx.Err() != nil {
					continue
				}
				m.processCandidate(ctx, &writes, &persisted, candidate)
			}
			return nil
		})
	}

	go func() {
		defer close(queue)
		for _, candidate := range found {
			select {
			case queue <- candidate:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		writes.closeAndWait()
		log.Warn("Refresh deadline reached, abandoning outstanding probes", "persisted", persisted.Load())
	}

	return int(persisted.Load())
}

// processCandidate probes one candidate and persists it on success. A probe
// that only completes after the refresh deadline is discarded. The persisted
// count is bumped before the write leaves the gate.
func (m *Manager) processCandidate(ctx context.Context, writes *writeGate, persisted *atomic.Int64, candidate string) {
	result := m.probe(ctx, candidate)
	m.metrics.ObserveProbe(result.String())
	if result != checker.Success {
		return
	}

	proxy, err := domain.ParseProxy(candidate)
	if err != nil {
		log.Debug("Dropping malformed candidate", "candidate", candidate, "error", err)
		return
	}

	if ctx.Err() != nil || !writes.enter() {
		return
	}
	defer writes.leave()

	err = m.store.Upsert(context.WithoutCancel(ctx), proxy.Host, proxy.Port)
	m.metrics.ObservePersist(err)
	if err != nil {
		log.Error("Failed to save proxy", "proxy", candidate, "error", err)
		return
	}

	persisted.Add(1)
	log.Info("Proxy saved", "proxy", proxy.GetFullProxy())
}

// writeGate admits store writes until it is closed. closeAndWait returns once
// every admitted write has finished.
type writeGate struct {
	mu       sync.Mutex
	closed   bool
	inFlight sync.WaitGroup
}

func (g *writeGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.inFlight.Add(1)
	return true
}

func (g *writeGate) leave() {
	g.inFlight.Done()
}

func (g *writeGate) closeAndWait() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.inFlight.Wait()
}

// probe bounds a single validation by ProbeTimeout even when the validator
// ignores its context; a probe cut off this way counts as OtherError.
func (m *Manager) probe(ctx context.Context, candidate string) checker.Result {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	resultCh := make(chan checker.Result, 1)
	go func() {
		resultCh <- m.validator.Validate(probeCtx, candidate)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-probeCtx.Done():
		return checker.OtherError
	}
}

// Checkout returns up to limit proxies that still have quota. Callers are
// expected to Consume each proxy they actually use.
func (m *Manager) Checkout(ctx context.Context, limit int) ([]string, error) {
	if m.store == nil {
		return nil, ErrStoreMissing
	}
	return m.store.ListAvailable(ctx, limit)
}

// Consume records one use of proxy. Unknown or exhausted proxies are left
// unchanged.
func (m *Manager) Consume(ctx context.Context, proxy string) error {
	if m.store == nil {
		return ErrStoreMissing
	}

	parsed, err := domain.ParseProxy(proxy)
	if err != nil {
		return err
	}
	if err := m.store.DecrementQuota(ctx, parsed.Host, parsed.Port); err != nil {
		return fmt.Errorf("pool: consume %s: %w", parsed.GetFullProxy(), err)
	}
	m.metrics.ObserveConsume()
	return nil
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if m.store == nil {
		return Stats{}, ErrStoreMissing
	}
	total, available, err := m.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Total: total, Available: available}, nil
}
