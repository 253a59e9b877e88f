package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mcprouter/mcprouter/internal/mcperrors"
	"github.com/mcprouter/mcprouter/internal/metrics"
	"github.com/mcprouter/mcprouter/internal/store"
)

const (
	// HealthTTL is how long a Connected driver may go unused before
	// GetDriver and BatchHealthCheck reconnect it instead of reusing it
	// (spec.md §4.4 "TTL-based health reuse"). It is measured from the
	// driver's last use, not from when it connected.
	HealthTTL = 5 * time.Minute
	// IdleCloseAfter closes a driver's transport once it has gone unused for
	// this long, freeing the underlying process/socket.
	IdleCloseAfter = 5 * time.Minute
	// CleanupInterval is how often the idle-connection sweep runs.
	CleanupInterval = 60 * time.Second
	// HealthCheckConcurrency bounds how many drivers BatchHealthCheck probes
	// at once.
	HealthCheckConcurrency = 3
	// HealthCheckInterval is how often Start's background loop invokes
	// BatchHealthCheck (spec.md's "schedule background health checks").
	HealthCheckInterval = 90 * time.Second
	// DisableDrainTimeout bounds how long ToggleUpstream(disable) waits to
	// observe the driver's disconnection before logging a warning.
	DisableDrainTimeout = 5 * time.Second
)

// Manager owns every Driver, the reconciliation pipeline that feeds Store's
// capability cache, and the background health/cleanup sweeps (spec.md
// §4.4).
type Manager struct {
	mu      sync.Mutex
	drivers map[string]*Driver
	store   *store.Store
	log     *zap.Logger
	metrics *metrics.Registry

	stop       chan struct{}
	done       chan struct{}
	healthDone chan struct{}
}

// NewManager builds a Manager backed by st. It does not start any
// background loops; call Start for that.
func NewManager(st *store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{drivers: make(map[string]*Driver), store: st, log: log}
}

// AttachMetrics wires reg so connect attempts, reconciliation passes, and
// upstream counts are recorded. Optional: a Manager with no metrics
// attached just skips recording.
func (m *Manager) AttachMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// Start loads every persisted upstream, connects the enabled ones, and
// launches the background health/cleanup sweeps.
func (m *Manager) Start(ctx context.Context) error {
	cfgs, err := m.store.ListUpstreams()
	if err != nil {
		return fmt.Errorf("list upstreams: %w", err)
	}
	for _, cfg := range cfgs {
		m.mu.Lock()
		m.drivers[cfg.Name] = NewDriver(*cfg, m.log)
		m.mu.Unlock()
		if cfg.Enabled {
			if err := m.connectAndReconcile(ctx, cfg.Name); err != nil {
				m.log.Warn("initial connect failed", zap.String("upstream", cfg.Name), zap.Error(err))
			}
		}
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.healthDone = make(chan struct{})
	go m.cleanupLoop()
	go m.healthCheckLoop(ctx)
	m.reportStats()
	return nil
}

// Stop halts background sweeps and closes every driver.
func (m *Manager) Stop() {
	if m.stop != nil {
		close(m.stop)
		<-m.done
		<-m.healthDone
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		_ = d.Close()
	}
}

// AddUpstream persists cfg and, if enabled, connects and reconciles it.
func (m *Manager) AddUpstream(ctx context.Context, cfg *store.UpstreamConfig) (string, error) {
	id, err := m.store.AddUpstream(cfg)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.drivers[cfg.Name] = NewDriver(*cfg, m.log)
	m.mu.Unlock()

	if cfg.Enabled {
		if err := m.connectAndReconcile(ctx, cfg.Name); err != nil {
			m.log.Warn("connect on add failed", zap.String("upstream", cfg.Name), zap.Error(err))
		}
	}
	return id, nil
}

// UpdateUpstream persists cfg over the named upstream's transport config
// and, if the upstream is currently enabled, rebuilds and reconnects its
// driver so the new settings take effect immediately rather than waiting
// for the next disable/enable cycle.
func (m *Manager) UpdateUpstream(ctx context.Context, name string, cfg *store.UpstreamConfig) error {
	if err := m.store.UpdateUpstream(name, cfg); err != nil {
		return err
	}

	updated, err := m.store.GetUpstream(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if d := m.drivers[name]; d != nil {
		_ = d.Close()
	}
	m.drivers[name] = NewDriver(*updated, m.log)
	m.mu.Unlock()

	if !updated.Enabled {
		return nil
	}
	if err := m.connectAndReconcile(ctx, name); err != nil {
		m.log.Warn("reconnect after update failed", zap.String("upstream", name), zap.Error(err))
	}
	return nil
}

// RemoveUpstream closes the driver and cascades the delete through Store.
func (m *Manager) RemoveUpstream(name string) error {
	m.mu.Lock()
	d := m.drivers[name]
	delete(m.drivers, name)
	m.mu.Unlock()

	if d != nil {
		_ = d.Close()
	}
	return m.store.DeleteUpstream(name)
}

// ToggleUpstream implements spec.md §4.4's asymmetric semantics: enabling
// only commits once a connection succeeds and its version is captured;
// disabling commits immediately, then best-effort waits for the driver to
// observe disconnection.
func (m *Manager) ToggleUpstream(ctx context.Context, name string, enable bool) (bool, error) {
	if !enable {
		committed, err := m.store.ToggleUpstream(name, false)
		if err != nil {
			return false, err
		}

		m.mu.Lock()
		d := m.drivers[name]
		m.mu.Unlock()

		if d != nil {
			done := make(chan struct{})
			go func() {
				_ = d.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(DisableDrainTimeout):
				m.log.Warn("disable did not observe disconnection within bound",
					zap.String("upstream", name), zap.Duration("bound", DisableDrainTimeout))
			}
		}
		return committed, nil
	}

	cfg, err := m.store.GetUpstream(name)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	d, ok := m.drivers[name]
	if !ok {
		d = NewDriver(*cfg, m.log)
		m.drivers[name] = d
	}
	m.mu.Unlock()

	if err := d.Connect(ctx); err != nil {
		return false, err
	}
	if err := m.reconcile(ctx, cfg.ID, d); err != nil {
		m.log.Warn("post-enable reconciliation failed", zap.String("upstream", name), zap.Error(err))
	}
	if err := m.store.SetVersion(name, d.ServerVersion()); err != nil {
		return false, err
	}
	return m.store.ToggleUpstream(name, true)
}

// GetDriver returns a connected driver for name, reconnecting it if it is
// not in the Connected state or has gone unused for HealthTTL or longer.
// The age of the connection itself is not checked: a driver in regular use
// is reused however long ago it connected. It does not force-refresh a
// connection that is still within TTL (spec.md §4.6 call_tool step 5).
func (m *Manager) GetDriver(ctx context.Context, name string) (*Driver, error) {
	cfg, err := m.store.GetUpstream(name)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, mcperrors.Wrap(mcperrors.ErrNotFound, "upstream %q is disabled", name)
	}

	m.mu.Lock()
	d, ok := m.drivers[name]
	if !ok {
		d = NewDriver(*cfg, m.log)
		m.drivers[name] = d
	}
	m.mu.Unlock()

	if d.State() == StateConnected && d.IdleFor(time.Now()) < HealthTTL {
		return d, nil
	}
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// connectAndReconcile connects the named upstream's driver and, on
// success, reconciles its declared capabilities into Store.
func (m *Manager) connectAndReconcile(ctx context.Context, name string) error {
	cfg, err := m.store.GetUpstream(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	d := m.drivers[name]
	m.mu.Unlock()
	if d == nil {
		return fmt.Errorf("no driver registered for %q", name)
	}

	if err := d.Connect(ctx); err != nil {
		if m.metrics != nil {
			m.metrics.RecordUpstreamConnect(name, "error")
		}
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordUpstreamConnect(name, "ok")
	}
	if err := m.store.SetVersion(name, d.ServerVersion()); err != nil {
		return err
	}

	start := time.Now()
	err = m.reconcile(ctx, cfg.ID, d)
	if m.metrics != nil {
		m.metrics.RecordReconcile(name, time.Since(start))
	}
	return err
}

// reconcile pulls the live tool/resource/prompt declarations from d and
// upserts them into Store, one kind at a time (spec.md §3's UPSERT-and-
// prune invariant lives in Store.UpsertCapabilities; this just supplies
// the authoritative "items" set per kind).
func (m *Manager) reconcile(ctx context.Context, upstreamID string, d *Driver) error {
	tools, err := d.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list_tools: %w", err)
	}
	if _, err := m.store.UpsertCapabilities(upstreamID, store.KindTool, toToolRows(tools)); err != nil {
		return fmt.Errorf("reconcile tools: %w", err)
	}

	resources, err := d.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("list_resources: %w", err)
	}
	if _, err := m.store.UpsertCapabilities(upstreamID, store.KindResource, toResourceRows(resources)); err != nil {
		return fmt.Errorf("reconcile resources: %w", err)
	}

	prompts, err := d.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("list_prompts: %w", err)
	}
	if _, err := m.store.UpsertCapabilities(upstreamID, store.KindPrompt, toPromptRows(prompts)); err != nil {
		return fmt.Errorf("reconcile prompts: %w", err)
	}
	return nil
}

// BatchHealthCheck reconnects every enabled, stale driver with bounded
// concurrency (spec.md §4.4). Returns the names that failed to reconnect.
func (m *Manager) BatchHealthCheck(ctx context.Context) []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.drivers))
	for name := range m.drivers {
		names = append(names, name)
	}
	m.mu.Unlock()

	sem := semaphore.NewWeighted(HealthCheckConcurrency)
	var mu sync.Mutex
	var failed []string
	var wg sync.WaitGroup

	for _, name := range names {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)

			m.mu.Lock()
			d := m.drivers[name]
			m.mu.Unlock()
			if d == nil || d.State() == StateConnected && d.IdleFor(time.Now()) < HealthTTL {
				return
			}
			if cfg, err := m.store.GetUpstream(name); err != nil || !cfg.Enabled {
				return
			}
			if err := m.connectAndReconcile(ctx, name); err != nil {
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return failed
}

// healthCheckLoop invokes BatchHealthCheck on HealthCheckInterval until
// Stop closes m.stop, scheduling the periodic reconnect probing spec.md's
// System Overview describes for the Upstream Manager.
func (m *Manager) healthCheckLoop(ctx context.Context) {
	defer close(m.healthDone)
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if failed := m.BatchHealthCheck(ctx); len(failed) > 0 {
				m.log.Warn("scheduled health check found unreachable upstreams", zap.Strings("upstreams", failed))
			}
			m.reportStats()
		case <-m.stop:
			return
		}
	}
}

// reportStats pushes the current total/connected upstream counts to the
// metrics Registry, if one is attached.
func (m *Manager) reportStats() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	total := len(m.drivers)
	connected := 0
	for _, d := range m.drivers {
		if d.State() == StateConnected {
			connected++
		}
	}
	m.mu.Unlock()
	m.metrics.SetUpstreamStats(total, connected)
}

// cleanupLoop closes drivers that have been idle past IdleCloseAfter,
// freeing their transports without forgetting them (the next GetDriver
// reconnects transparently).
func (m *Manager) cleanupLoop() {
	defer close(m.done)
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	m.mu.Lock()
	var stale []*Driver
	for _, d := range m.drivers {
		if d.State() == StateConnected && d.IdleFor(now) > IdleCloseAfter {
			stale = append(stale, d)
		}
	}
	m.mu.Unlock()

	for _, d := range stale {
		_ = d.Close()
	}
	if len(stale) > 0 {
		m.log.Info("closed idle upstream connections", zap.Int("count", len(stale)))
	}
}
