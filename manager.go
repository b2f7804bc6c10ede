package prep

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultIdleTTL is how long an unused bridge is kept around
	DefaultIdleTTL = 30 * time.Minute
	// DefaultFirstVisitTTL is how long a bridge used by a single request
	// is kept before its device comes back
	DefaultFirstVisitTTL = 2 * time.Minute
)

// BridgeManager owns one Bridge per device. Bridges are created and
// started on first use, evicted when idle and closed on shutdown.
type BridgeManager struct {
	identity IdentityClient
	profiles ProfileStore
	opts     []BridgeOption
	idleTTL  time.Duration
	firstTTL time.Duration
	max      int
	logger   Logger
	now      func() time.Time

	mu      sync.Mutex
	bridges map[string]*managedBridge
	closed  bool
	stop    chan struct{}
	once    sync.Once
}

type managedBridge struct {
	bridge   *Bridge
	lastUsed time.Time
	uses     int
}

// ManagerOption configures a BridgeManager
type ManagerOption func(*BridgeManager) *BridgeManager

// WithIdleTTL sets the idle eviction window
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *BridgeManager) *BridgeManager {
		if d > 0 {
			m.idleTTL = d
		}
		return m
	}
}

// WithFirstVisitTTL sets how long a bridge that served one request waits
// for its device to return
func WithFirstVisitTTL(d time.Duration) ManagerOption {
	return func(m *BridgeManager) *BridgeManager {
		if d > 0 {
			m.firstTTL = d
		}
		return m
	}
}

// WithMaxBridges caps live bridges. A new device displaces the least
// recently used one when the cap is reached. Zero means no cap.
func WithMaxBridges(n int) ManagerOption {
	return func(m *BridgeManager) *BridgeManager {
		if n >= 0 {
			m.max = n
		}
		return m
	}
}

// WithManagerLogger sets the logger for the manager and its bridges
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *BridgeManager) *BridgeManager {
		if logger != nil {
			m.logger = logger
			m.opts = append(m.opts, WithBridgeLogger(logger))
		}
		return m
	}
}

// WithBridgeOptions appends options passed to every new bridge
func WithBridgeOptions(opts ...BridgeOption) ManagerOption {
	return func(m *BridgeManager) *BridgeManager {
		m.opts = append(m.opts, opts...)
		return m
	}
}

// WithManagerClock overrides time.Now for idle tracking
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *BridgeManager) *BridgeManager {
		if now != nil {
			m.now = now
		}
		return m
	}
}

// NewBridgeManager creates a manager over the given clients
func NewBridgeManager(identity IdentityClient, profiles ProfileStore, opts ...ManagerOption) *BridgeManager {
	m := &BridgeManager{
		identity: identity,
		profiles: profiles,
		idleTTL:  DefaultIdleTTL,
		firstTTL: DefaultFirstVisitTTL,
		logger:   defLogger{},
		now:      time.Now,
		bridges:  make(map[string]*managedBridge),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		m = opt(m)
	}

	return m
}

// Get returns the started bridge for device, creating it when needed
func (m *BridgeManager) Get(ctx context.Context, device string) (*Bridge, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrBridgeClosed
	}

	if entry, ok := m.bridges[device]; ok {
		entry.touch(m.now())
		m.mu.Unlock()
		return entry.bridge, nil
	}

	displaced := m.makeRoomLocked()
	b := m.createLocked(ctx, device)
	m.mu.Unlock()

	m.closeBridges(displaced, "close displaced bridge")
	return b, nil
}

// Retry replaces a bridge that ended in the error state with a fresh one.
// Healthy bridges are returned as they are.
func (m *BridgeManager) Retry(ctx context.Context, device string) (*Bridge, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrBridgeClosed
	}

	entry, ok := m.bridges[device]
	if ok && entry.bridge.Snapshot().State != StateError {
		entry.touch(m.now())
		m.mu.Unlock()
		return entry.bridge, nil
	}

	var stale, displaced []*Bridge
	if ok {
		stale = append(stale, entry.bridge)
		delete(m.bridges, device)
	} else {
		displaced = m.makeRoomLocked()
	}
	b := m.createLocked(ctx, device)
	m.mu.Unlock()

	m.closeBridges(displaced, "close displaced bridge")

	if len(stale) > 0 {
		m.logger.Info("retrying session bridge", "device", device)
		m.closeBridges(stale, "close stale bridge")
	}

	return b, nil
}

func (m *BridgeManager) createLocked(ctx context.Context, device string) *Bridge {
	b := NewBridge(device, m.identity, m.profiles, m.opts...)
	b.Start(ctx)
	m.bridges[device] = &managedBridge{bridge: b, lastUsed: m.now(), uses: 1}
	m.logger.Debug("session bridge created", "device", device, "active", len(m.bridges))
	return b
}

// makeRoomLocked removes the least recently used bridge when the cap is
// reached. The caller closes what it returns once the lock is released.
func (m *BridgeManager) makeRoomLocked() []*Bridge {
	if m.max <= 0 || len(m.bridges) < m.max {
		return nil
	}

	var oldest string
	var at time.Time
	for device, entry := range m.bridges {
		if oldest == "" || entry.lastUsed.Before(at) {
			oldest, at = device, entry.lastUsed
		}
	}

	entry := m.bridges[oldest]
	delete(m.bridges, oldest)
	return []*Bridge{entry.bridge}
}

func (m *BridgeManager) closeBridges(bridges []*Bridge, msg string) {
	for _, b := range bridges {
		if err := b.Close(); err != nil {
			m.logger.Warn(msg, "device", b.Device(), "error", err)
		}
	}
}

func (e *managedBridge) touch(now time.Time) {
	e.lastUsed = now
	e.uses++
}

func (e *managedBridge) expired(now time.Time, idle, first time.Duration) bool {
	age := now.Sub(e.lastUsed)
	return age > idle || (e.uses == 1 && age > first)
}

// Evict closes and forgets the bridge for device
func (m *BridgeManager) Evict(device string) {
	m.mu.Lock()
	entry, ok := m.bridges[device]
	delete(m.bridges, device)
	m.mu.Unlock()

	if ok {
		if err := entry.bridge.Close(); err != nil {
			m.logger.Warn("close evicted bridge", "device", device, "error", err)
		}
	}
}

// Sweep evicts every bridge idle for longer than the TTL, and bridges
// that served a single request for longer than the first visit TTL. It
// returns how many were removed.
func (m *BridgeManager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var idle []*Bridge
	for device, entry := range m.bridges {
		if entry.expired(now, m.idleTTL, m.firstTTL) {
			idle = append(idle, entry.bridge)
			delete(m.bridges, device)
		}
	}
	m.mu.Unlock()

	m.closeBridges(idle, "close idle bridge")

	if len(idle) > 0 {
		m.logger.Debug("evicted idle bridges", "count", len(idle))
	}

	return len(idle)
}

// Len returns the number of live bridges
func (m *BridgeManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

// Run sweeps idle bridges until ctx is done or the manager is closed
func (m *BridgeManager) Run(ctx context.Context) {
	interval := min(m.idleTTL, m.firstTTL) / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close closes every bridge. Further Get calls fail with ErrBridgeClosed.
func (m *BridgeManager) Close() error {
	m.mu.Lock()
	m.closed = true
	bridges := m.bridges
	m.bridges = make(map[string]*managedBridge)
	m.mu.Unlock()

	m.once.Do(func() { close(m.stop) })

	var errs []error
	for _, entry := range bridges {
		if err := entry.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
