package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avernakis/trunkline/internal/observe"
)

// ErrDuplicateCall is returned when a call id is registered twice.
var ErrDuplicateCall = errors.New("bridge: call id already registered")

// Manager is the keyed registry of live calls. Every call is an explicit
// record under its own id; calls share nothing mutable with each other.
type Manager struct {
	log *slog.Logger
	met *observe.Metrics

	mu    sync.Mutex
	calls map[string]*Call
}

// NewManager creates an empty call registry.
func NewManager(log *slog.Logger, met *observe.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if met == nil {
		met = observe.DefaultMetrics()
	}
	return &Manager{
		log:   log,
		met:   met,
		calls: make(map[string]*Call),
	}
}

// Register creates a Call over the adapter pair and tracks it under id. The
// call removes itself from the registry on teardown; a caller-supplied
// OnClosed in cfg still runs. Returns [ErrDuplicateCall] when id is taken.
func (m *Manager) Register(id string, tel TelephonyConn, ai RealtimeConn, cfg Config) (*Call, error) {
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	if cfg.Metrics == nil {
		cfg.Metrics = m.met
	}

	userOnClosed := cfg.OnClosed
	cfg.OnClosed = func(c *Call, reason string, cause error) {
		m.remove(c.ID())
		if userOnClosed != nil {
			userOnClosed(c, reason, cause)
		}
	}

	m.mu.Lock()
	if _, taken := m.calls[id]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, id)
	}
	c := New(id, tel, ai, cfg)
	m.calls[id] = c
	m.mu.Unlock()

	ctx := context.Background()
	m.met.CallsStarted.Add(ctx, 1)
	m.met.ActiveCalls.Add(ctx, 1)
	m.log.Info("call registered", "call_id", id, "active", m.Len())

	return c, nil
}

// Get returns the live call with the given id.
func (m *Manager) Get(id string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	return c, ok
}

// Len returns the number of live calls.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CloseAll tears down every live call. Used during server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.Close()
		<-c.Done()
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, present := m.calls[id]
	delete(m.calls, id)
	m.mu.Unlock()

	if present {
		m.met.ActiveCalls.Add(context.Background(), -1)
	}
}

// NewCallID returns a fresh random call identifier. The telephony call SID
// only becomes known with the start frame, after registration, so calls are
// keyed by a bridge-assigned id instead.
func NewCallID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("bridge: read random call id: " + err.Error())
	}
	return "call-" + hex.EncodeToString(b[:])
}
