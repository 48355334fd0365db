package comm

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypercomm/hypercomm/internal/logger"
)

// Comm is the thread-safe facade over the comm layer. One instance owns a
// set of reactors, the connections and listeners registered on them, and
// the proxy name table.
//
// Peers are addressed by "host:port" strings or by proxy names registered
// with AddProxy.
type Comm struct {
	opts Options

	reactors    []*reactor
	nextReactor atomic.Uint32

	mu        sync.RWMutex
	conns     map[string]*connection
	listeners []*listener
	dgram     *datagram

	proxyMu sync.RWMutex
	proxies map[string]string

	shutdown atomic.Bool
}

// New creates a Comm and starts its reactors.
func New(opts Options) *Comm {
	opts = opts.withDefaults()

	c := &Comm{
		opts:    opts,
		conns:   make(map[string]*connection),
		proxies: make(map[string]string),
	}
	c.reactors = make([]*reactor, opts.Reactors)
	for i := range c.reactors {
		c.reactors[i] = newReactor(i, opts.PollInterval)
		go c.reactors[i].run()
	}

	logger.Debug("comm started", logger.KeyReactor, opts.Reactors)
	return c
}

// pickReactor pins new connections to reactors round-robin.
func (c *Comm) pickReactor() *reactor {
	n := c.nextReactor.Add(1) - 1
	return c.reactors[int(n)%len(c.reactors)]
}

// resolve maps a peer argument through the proxy table. A bare name that
// has no proxy entry and no port is rejected as an invalid proxy.
func (c *Comm) resolve(peer string) (string, error) {
	c.proxyMu.RLock()
	addr, ok := c.proxies[peer]
	c.proxyMu.RUnlock()
	if ok {
		return addr, nil
	}
	if !strings.Contains(peer, ":") {
		return "", newError(KindInvalidProxy, "no proxy named %q", peer)
	}
	return peer, nil
}

// AddProxy registers name as an alias for peer. Subsequent facade calls
// resolve the alias before looking up the connection.
func (c *Comm) AddProxy(name, peer string) {
	c.proxyMu.Lock()
	c.proxies[name] = peer
	c.proxyMu.Unlock()
	logger.Debug("proxy registered", logger.KeyProxy, name, logger.KeyPeer, peer)
}

// Connect dials peer and registers a stream connection with the given
// default handler. On success the handler receives ConnectionEstablished.
// A non-positive timeout uses the configured connect timeout.
func (c *Comm) Connect(peer string, timeout time.Duration, handler DispatchHandler) error {
	addr, err := c.resolve(peer)
	if err != nil {
		return err
	}

	c.mu.RLock()
	_, exists := c.conns[addr]
	c.mu.RUnlock()
	if exists {
		return newError(KindAlreadyConnected, "peer %s already registered", addr)
	}

	if timeout <= 0 {
		timeout = c.opts.ConnectTimeout
	}
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return newError(KindConnectFailure, "dial %s: %v", addr, err)
	}

	conn := newConnection(c, nc, addr, handler, c.pickReactor())

	c.mu.Lock()
	if _, exists := c.conns[addr]; exists {
		c.mu.Unlock()
		_ = nc.Close()
		return newError(KindAlreadyConnected, "peer %s already registered", addr)
	}
	c.conns[addr] = conn
	c.mu.Unlock()

	c.connOpened(conn)
	return nil
}

// Listen binds addr and accepts stream connections. The factory produces
// each accepted connection's default handler; if factory is nil, handler is
// shared by all of them.
func (c *Comm) Listen(bind string, factory ConnectionHandlerFactory, handler DispatchHandler) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return newError(KindBindFailure, "listen %s: %v", bind, err)
	}

	l := newListener(c, ln, factory, handler)

	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()

	l.start()
	logger.Info("listening", logger.KeyLocal, ln.Addr().String())
	return nil
}

// ListenerAddr returns the bound address of the first listener, or nil if
// none is installed. Useful when listening on port 0.
func (c *Comm) ListenerAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.listeners) == 0 {
		return nil
	}
	return c.listeners[0].Addr()
}

// SendRequest queues a request frame for peer with a per-request handler
// that will receive the correlated response, a RequestTimeout error, or a
// connection-loss error. A nil handler, or the IGNORE_RESPONSE flag, sends
// without registering a pending request.
func (c *Comm) SendRequest(peer string, timeout time.Duration, f *Frame, handler DispatchHandler) error {
	conn, err := c.lookup(peer)
	if err != nil {
		return err
	}
	return conn.sendRequest(timeout, f, handler)
}

// SendResponse queues a response frame for peer. The frame's header must
// have been initialized from the request it answers.
func (c *Comm) SendResponse(peer string, f *Frame) error {
	conn, err := c.lookup(peer)
	if err != nil {
		return err
	}
	return conn.sendResponse(f)
}

// Close tears down the connection to peer: every pending request receives
// one error event, the default handler one Disconnect, and no further
// events are delivered for the peer afterwards.
func (c *Comm) Close(peer string) error {
	addr, err := c.resolve(peer)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conns[addr]
	c.mu.RUnlock()
	if conn == nil {
		return newError(KindNotConnected, "no connection to %s", addr)
	}

	// Gate delivery before the reactor gets to the sweep, so nothing slips
	// out between Close returning and teardown running.
	conn.closing.Store(true)
	conn.reactor.post(func() { conn.teardown(KindNotConnected) })
	return nil
}

// SetTimer arranges for handler to receive a Timer event at or after
// now + duration.
func (c *Comm) SetTimer(duration time.Duration, handler DispatchHandler) {
	r := c.pickReactor()
	at := time.Now().Add(duration)
	r.post(func() {
		r.addTimer(at, func() { handler.Handle(newTimerEvent()) })
	})
}

// ConnectionCount returns the number of registered connections.
func (c *Comm) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Shutdown tears down every listener and connection and stops the
// reactors. The Comm instance is unusable afterwards.
func (c *Comm) Shutdown() {
	if !c.shutdown.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	listeners := c.listeners
	c.listeners = nil
	conns := make([]*connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	dgram := c.dgram
	c.dgram = nil
	c.mu.Unlock()

	for _, l := range listeners {
		l.stop()
	}
	if dgram != nil {
		dgram.stop()
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		conn.closing.Store(true)
		wg.Add(1)
		conn.reactor.post(func() {
			defer wg.Done()
			conn.teardown(KindNotConnected)
		})
	}
	wg.Wait()

	for _, r := range c.reactors {
		r.stop()
	}
	logger.Debug("comm stopped")
}

// lookup resolves peer and returns its registered connection.
func (c *Comm) lookup(peer string) (*connection, error) {
	addr, err := c.resolve(peer)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	conn := c.conns[addr]
	c.mu.RUnlock()
	if conn == nil {
		return nil, newError(KindNotConnected, "no connection to %s", addr)
	}
	return conn, nil
}

// register adds an accepted connection to the registry, keyed by its remote
// address.
func (c *Comm) register(conn *connection) {
	c.mu.Lock()
	c.conns[conn.peerKey] = conn
	c.mu.Unlock()
	c.connOpened(conn)
}

func (c *Comm) connOpened(conn *connection) {
	if m := c.opts.Metrics; m != nil {
		m.RecordConnectionOpened()
		m.SetActiveConnections(c.ConnectionCount())
	}

	// Post before the pumps start so no inbound message can outrun the
	// established event.
	handler := conn.handler
	peer := conn.peer
	conn.reactor.post(func() {
		if !conn.tornDown {
			handler.Handle(newConnectionEstablishedEvent(peer))
		}
	})
	conn.start()
	conn.log.Debug("connection registered")
}

// unregister removes a connection; called from its teardown.
func (c *Comm) unregister(conn *connection) {
	c.mu.Lock()
	if c.conns[conn.peerKey] == conn {
		delete(c.conns, conn.peerKey)
	}
	c.mu.Unlock()
	if m := c.opts.Metrics; m != nil {
		m.SetActiveConnections(c.ConnectionCount())
	}
}
