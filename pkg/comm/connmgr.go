package comm

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/hypercomm/hypercomm/internal/logger"
)

// ConnState is the lifecycle state of a managed connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateConnected
	StateDisconnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionManager keeps a set of peers connected in the background.
//
// Each managed peer gets a goroutine that dials, watches for disconnects,
// and redials on an exponential backoff schedule with jitter. Connect
// failures surface to the entry's handler as Error events with kind
// CommConnectFailure; the application never has to drive reconnection
// itself.
//
// When an entry carries a ConnectionInitializer, the manager runs the
// handshake after every successful dial: the initialization request is
// sent, the response is fed to the initializer, and only an accepted
// response transitions the entry to CONNECTED and delivers
// ConnectionEstablished to the application handler. A rejected response
// resets the connection and the backoff schedule takes over.
type ConnectionManager struct {
	comm *Comm

	// ReconnectInitial and ReconnectMax bound the backoff schedule, and
	// ConnectTimeout each dial attempt. Set before the first Add.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ConnectTimeout   time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*managedConn
}

type managedConn struct {
	peer        string
	handler     DispatchHandler
	initializer ConnectionInitializer
	state       ConnState
	removed     bool
	quit        chan struct{}
}

// NewConnectionManager creates a manager over the given Comm.
func NewConnectionManager(c *Comm) *ConnectionManager {
	m := &ConnectionManager{
		comm:             c,
		ReconnectInitial: DefaultReconnectInitial,
		ReconnectMax:     DefaultReconnectMax,
		ConnectTimeout:   c.opts.ConnectTimeout,
		entries:          make(map[string]*managedConn),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Add registers peer for background connection maintenance. The handler
// receives the connection's events once it is established.
func (m *ConnectionManager) Add(peer string, handler DispatchHandler) error {
	return m.AddWithInitializer(peer, handler, nil)
}

// AddWithInitializer is Add with a handshake driven by initializer after
// every successful dial.
func (m *ConnectionManager) AddWithInitializer(peer string, handler DispatchHandler, initializer ConnectionInitializer) error {
	entry := &managedConn{
		peer:        peer,
		handler:     handler,
		initializer: initializer,
		state:       StateConnecting,
		quit:        make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.entries[peer]; exists {
		m.mu.Unlock()
		return newError(KindAlreadyConnected, "peer %s already managed", peer)
	}
	m.entries[peer] = entry
	m.mu.Unlock()

	go m.run(entry)
	return nil
}

// WaitForConnection blocks until peer reaches CONNECTED or the timeout
// elapses.
func (m *ConnectionManager) WaitForConnection(peer string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		entry := m.entries[peer]
		if entry == nil {
			return newError(KindNotConnected, "peer %s not managed", peer)
		}
		if entry.state == StateConnected {
			return nil
		}
		if !time.Now().Before(deadline) {
			return newError(KindConnectFailure, "peer %s not connected within %v", peer, timeout)
		}
		m.cond.Wait()
	}
}

// State returns the current lifecycle state of a managed peer.
func (m *ConnectionManager) State(peer string) (ConnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entries[peer]
	if entry == nil {
		return StateClosed, false
	}
	return entry.state, true
}

// Remove stops managing peer and closes its connection.
func (m *ConnectionManager) Remove(peer string) {
	m.mu.Lock()
	entry := m.entries[peer]
	if entry == nil {
		m.mu.Unlock()
		return
	}
	entry.removed = true
	entry.state = StateClosed
	delete(m.entries, peer)
	close(entry.quit)
	m.cond.Broadcast()
	m.mu.Unlock()

	_ = m.comm.Close(peer)
}

// Stop removes every managed peer.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	peers := make([]string, 0, len(m.entries))
	for peer := range m.entries {
		peers = append(peers, peer)
	}
	m.mu.Unlock()

	for _, peer := range peers {
		m.Remove(peer)
	}
}

func (m *ConnectionManager) run(entry *managedConn) {
	backoff := m.ReconnectInitial
	attempt := 0

	for {
		select {
		case <-entry.quit:
			return
		default:
		}

		m.setState(entry, StateConnecting)
		wrapped := &managedHandler{mgr: m, entry: entry}
		err := m.comm.Connect(entry.peer, m.ConnectTimeout, wrapped)
		if err != nil {
			attempt++
			logger.Debug("connect attempt failed",
				logger.KeyPeer, entry.peer,
				logger.KeyAttempt, attempt,
				logger.KeyBackoffMs, backoff.Milliseconds(),
				logger.KeyError, err)

			if !errors.Is(err, ErrAlreadyConnected) {
				entry.handler.Handle(newErrorEvent(nil, &Error{
					Kind:   KindConnectFailure,
					Detail: err.Error(),
				}))
			}
			if !m.sleep(entry, jitter(backoff)) {
				return
			}
			backoff = min(backoff*2, m.ReconnectMax)
			continue
		}

		backoff = m.ReconnectInitial
		attempt = 0

		// The wrapped handler drives the state machine from here; wait for
		// the connection to drop or the entry to be removed.
		m.mu.Lock()
		for entry.state != StateDisconnected && !entry.removed {
			m.cond.Wait()
		}
		removed := entry.removed
		m.mu.Unlock()
		if removed {
			return
		}

		if !m.sleep(entry, jitter(backoff)) {
			return
		}
	}
}

// sleep waits for d or until the entry is removed; false means removed.
func (m *ConnectionManager) sleep(entry *managedConn, d time.Duration) bool {
	select {
	case <-entry.quit:
		return false
	case <-time.After(d):
		return true
	}
}

func (m *ConnectionManager) setState(entry *managedConn, s ConnState) {
	m.mu.Lock()
	if !entry.removed {
		entry.state = s
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// jitter spreads a backoff delay by +/-20% so reconnecting fleets do not
// thunder in phase.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// managedHandler wraps an entry's application handler to observe lifecycle
// events and run the optional initialization handshake. It runs on reactor
// goroutines and never blocks.
type managedHandler struct {
	mgr   *ConnectionManager
	entry *managedConn
}

func (h *managedHandler) Handle(event *Event) {
	m, entry := h.mgr, h.entry

	switch event.Type {
	case EventConnectionEstablished:
		if entry.initializer != nil {
			m.setState(entry, StateHandshaking)
			frame := entry.initializer.CreateInitializationRequest()
			if err := m.comm.SendRequest(entry.peer, m.ConnectTimeout, frame, h); err != nil {
				logger.Warn("handshake send failed",
					logger.KeyPeer, entry.peer, logger.KeyError, err)
				_ = m.comm.Close(entry.peer)
			}
			return
		}
		m.setState(entry, StateConnected)
		entry.handler.Handle(event)

	case EventMessage:
		m.mu.Lock()
		handshaking := entry.state == StateHandshaking
		m.mu.Unlock()
		if handshaking {
			if entry.initializer.ProcessInitializationResponse(event) {
				m.setState(entry, StateConnected)
				entry.handler.Handle(newConnectionEstablishedEvent(event.Peer))
			} else {
				logger.Warn("handshake rejected", logger.KeyPeer, entry.peer)
				_ = m.comm.Close(entry.peer)
			}
			return
		}
		entry.handler.Handle(event)

	case EventDisconnect:
		m.setState(entry, StateDisconnected)
		entry.handler.Handle(event)

	default:
		entry.handler.Handle(event)
	}
}
