package comm

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hypercomm/hypercomm/internal/logger"
	"github.com/hypercomm/hypercomm/pkg/bufpool"
)

// initialReadSize is the starting size of the inbound reassembly buffer.
// It grows by doubling as larger frames arrive.
const initialReadSize = 16 << 10

// pendingRequest tracks an outstanding request awaiting its response.
type pendingRequest struct {
	id       uint32
	group    uint32
	handler  DispatchHandler
	deadline time.Time

	// parked holds a response that arrived before its group predecessors
	// completed; it is delivered when the request reaches the group head.
	parked *Event
}

// connection is the stream I/O handler for one TCP peer.
//
// Three goroutines touch it: a read pump assembling inbound frames, a write
// pump draining the outbound queue, and the owning reactor running dispatch.
// The dispatch state (pending table, group queues, id counter) belongs to
// the reactor alone; the send queue is shared between producers and the
// write pump under sendMu.
type connection struct {
	comm    *Comm
	id      string
	conn    net.Conn
	peer    net.Addr
	peerKey string
	handler DispatchHandler
	reactor *reactor
	log     *slog.Logger

	// closing is set when teardown begins; it gates new sends and stops
	// message delivery synchronously with Close.
	closing atomic.Bool

	// Reactor-private dispatch state.
	nextID   uint32
	pending  map[uint32]*pendingRequest
	groups   map[uint32][]uint32
	tornDown bool

	// Outbound queue, bounded by bytes.
	sendMu      sync.Mutex
	sendCond    *sync.Cond
	sendq       []*Frame
	queuedBytes int
	sendClosed  bool

	pumps sync.WaitGroup
}

func newConnection(c *Comm, nc net.Conn, peerKey string, handler DispatchHandler, r *reactor) *connection {
	if tcp, ok := nc.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			logger.Debug("failed to set TCP_NODELAY", logger.KeyError, err)
		}
	}

	if handler == nil {
		// A connection always has a default handler; events with no
		// interested party are dropped here instead of nil-checked
		// throughout the dispatch path.
		handler = DispatchHandlerFunc(func(*Event) {})
	}

	conn := &connection{
		comm:    c,
		id:      uuid.NewString(),
		conn:    nc,
		peer:    nc.RemoteAddr(),
		peerKey: peerKey,
		handler: handler,
		reactor: r,
		nextID:  1,
		pending: make(map[uint32]*pendingRequest),
		groups:  make(map[uint32][]uint32),
	}
	conn.sendCond = sync.NewCond(&conn.sendMu)
	conn.log = logger.With(
		logger.KeyConnID, conn.id,
		logger.KeyPeer, conn.peer.String(),
		logger.KeyReactor, r.id,
	)
	return conn
}

func (c *connection) start() {
	c.pumps.Add(2)
	go c.readPump()
	go c.writePump()
}

// ----------------------------------------------------------------------------
// Send path
// ----------------------------------------------------------------------------

// sendRequest queues a request frame. The message id is assigned and the
// pending record registered on the reactor, before the frame can reach the
// wire, so a fast response can never outrun its own correlation entry.
//
// A non-positive timeout disables expiry for this request.
func (c *connection) sendRequest(timeout time.Duration, f *Frame, handler DispatchHandler) error {
	if c.closing.Load() {
		return ErrNotConnected
	}

	size := f.TotalLen()
	if err := c.reserve(size); err != nil {
		return err
	}

	c.reactor.post(func() {
		if c.tornDown {
			c.release(size)
			if handler != nil {
				handler.Handle(newErrorEvent(c.peer, ErrNotConnected))
			}
			return
		}

		id := c.nextID
		c.nextID++
		f.Header.ID = id
		f.Header.Flags |= FlagRequest

		if handler != nil && !f.Header.IgnoresResponse() {
			pr := &pendingRequest{
				id:      id,
				group:   f.Header.GroupID,
				handler: handler,
			}
			if timeout > 0 {
				pr.deadline = time.Now().Add(timeout)
			}
			c.pending[id] = pr
			if pr.group != 0 {
				c.groups[pr.group] = append(c.groups[pr.group], id)
			}
			if !pr.deadline.IsZero() {
				c.reactor.addTimer(pr.deadline, func() { c.expire(id) })
			}
		}

		f.seal()
		c.enqueue(f, size)
	})
	return nil
}

// sendResponse queues a response frame whose header was initialized from
// the request being answered.
func (c *connection) sendResponse(f *Frame) error {
	if c.closing.Load() {
		return ErrNotConnected
	}

	size := f.TotalLen()
	if err := c.reserve(size); err != nil {
		return err
	}

	c.reactor.post(func() {
		if c.tornDown {
			c.release(size)
			return
		}
		f.seal()
		c.enqueue(f, size)
	})
	return nil
}

// reserve claims size bytes of send-queue budget.
func (c *connection) reserve(size int) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return ErrNotConnected
	}
	if c.queuedBytes+size > c.comm.opts.SendQueueBytes {
		if m := c.comm.opts.Metrics; m != nil {
			m.RecordQueueFull()
		}
		return newError(KindQueueFull, "%d bytes queued, frame of %d over budget", c.queuedBytes, size)
	}
	c.queuedBytes += size
	return nil
}

func (c *connection) release(size int) {
	c.sendMu.Lock()
	c.queuedBytes -= size
	c.sendMu.Unlock()
}

func (c *connection) enqueue(f *Frame, size int) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.queuedBytes -= size
		c.sendMu.Unlock()
		return
	}
	c.sendq = append(c.sendq, f)
	c.sendCond.Signal()
	c.sendMu.Unlock()
}

func (c *connection) writePump() {
	defer c.pumps.Done()

	for {
		c.sendMu.Lock()
		for len(c.sendq) == 0 && !c.sendClosed {
			c.sendCond.Wait()
		}
		if c.sendClosed {
			c.sendMu.Unlock()
			return
		}
		f := c.sendq[0]
		c.sendMu.Unlock()

		if err := c.writeFrame(f); err != nil {
			c.log.Debug("write failed", logger.KeyError, err)
			c.reactor.post(func() { c.teardown(KindBrokenConnection) })
			return
		}

		if m := c.comm.opts.Metrics; m != nil {
			m.RecordFrameSent(int(f.Header.TotalLen))
		}

		c.sendMu.Lock()
		c.sendq = c.sendq[1:]
		c.queuedBytes -= int(f.Header.TotalLen)
		c.sendMu.Unlock()
	}
}

// writeFrame drains the frame's primary then extended buffer from their
// current cursors. Partial writes advance the cursors and continue, so a
// frame interrupted mid-send resumes where it stopped.
func (c *connection) writeFrame(f *Frame) error {
	for f.dataPos < len(f.wire) {
		n, err := c.conn.Write(f.wire[f.dataPos:])
		f.dataPos += n
		if err != nil {
			return err
		}
	}
	for f.extPos < len(f.ext) {
		n, err := c.conn.Write(f.ext[f.extPos:])
		f.extPos += n
		if err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Receive path
// ----------------------------------------------------------------------------

func (c *connection) readPump() {
	defer c.pumps.Done()

	buf := bufpool.Get(initialReadSize)
	defer func() { bufpool.Put(buf) }()
	fill := 0

	for {
		if fill == len(buf) {
			buf = bufpool.Grow(buf, len(buf)*2)
		}

		n, err := c.conn.Read(buf[fill:])
		fill += n

		// Consume every complete frame in the buffer before handling the
		// read error: bytes that arrived with the error are not lost.
		for fill >= HeaderSize {
			header, perr := ParseHeader(buf[:fill])
			if perr != nil {
				c.log.Warn("inbound framing corrupt", logger.KeyError, perr)
				c.reactor.post(func() { c.teardown(KindBrokenConnection) })
				return
			}

			total := int(header.TotalLen)
			if total > c.comm.opts.MaxFrameBytes {
				c.log.Warn("inbound frame exceeds limit",
					logger.KeyFrameLen, total, logger.KeyMsgID, header.ID)
				c.reactor.post(func() { c.teardown(KindMessageTooLong) })
				return
			}

			if fill < total {
				if total > len(buf) {
					buf = bufpool.Grow(buf, total)
				}
				break
			}

			// Lift the payload out; the buffer is reused for the next
			// frame, so handlers get their own copy.
			payload := make([]byte, total-HeaderSize)
			copy(payload, buf[HeaderSize:total])
			fill = copy(buf, buf[total:fill])

			if m := c.comm.opts.Metrics; m != nil {
				m.RecordFrameReceived(total)
			}

			h := header
			c.reactor.post(func() { c.route(&h, payload) })
		}

		if err != nil {
			if !c.closing.Load() {
				c.log.Debug("read closed", logger.KeyError, err)
			}
			c.reactor.post(func() { c.teardown(KindBrokenConnection) })
			return
		}
	}
}

// ----------------------------------------------------------------------------
// Dispatch (reactor-only)
// ----------------------------------------------------------------------------

// route delivers one inbound frame. Requests always go to the default
// handler. Responses are correlated against the pending table; a hit is
// delivered exactly once to the registered handler, subject to group
// ordering, and a miss (including a response arriving after its timeout)
// falls through to the default handler.
func (c *connection) route(h *Header, payload []byte) {
	if c.tornDown || c.closing.Load() {
		return
	}

	ev := newMessageEvent(c.peer, h, payload)

	if h.IsRequest() {
		c.handler.Handle(ev)
		return
	}

	pr, ok := c.pending[h.ID]
	if !ok {
		c.handler.Handle(ev)
		return
	}

	if pr.group == 0 {
		delete(c.pending, h.ID)
		pr.handler.Handle(ev)
		return
	}

	q := c.groups[pr.group]
	if len(q) > 0 && q[0] == pr.id {
		delete(c.pending, pr.id)
		c.groups[pr.group] = q[1:]
		pr.handler.Handle(ev)
		c.flushGroup(pr.group)
		return
	}

	// Arrived ahead of a group predecessor; hold it back.
	pr.parked = ev
}

// flushGroup delivers consecutive parked responses from the head of the
// group queue.
func (c *connection) flushGroup(group uint32) {
	q := c.groups[group]
	for len(q) > 0 {
		pr := c.pending[q[0]]
		if pr == nil || pr.parked == nil {
			break
		}
		delete(c.pending, pr.id)
		q = q[1:]
		pr.handler.Handle(pr.parked)
	}
	if len(q) == 0 {
		delete(c.groups, group)
	} else {
		c.groups[group] = q
	}
}

// expire times out one pending request. A response arriving later is
// treated as unsolicited and goes to the default handler.
func (c *connection) expire(id uint32) {
	if c.tornDown {
		return
	}
	pr, ok := c.pending[id]
	if !ok {
		return
	}

	delete(c.pending, id)
	c.removeFromGroup(pr)

	if m := c.comm.opts.Metrics; m != nil {
		m.RecordRequestTimeout()
	}
	c.log.Debug("request timed out", logger.KeyMsgID, id, logger.KeyGroupID, pr.group)

	pr.handler.Handle(newErrorEvent(c.peer, ErrRequestTimeout))
}

func (c *connection) removeFromGroup(pr *pendingRequest) {
	if pr.group == 0 {
		return
	}
	q := c.groups[pr.group]
	for i, id := range q {
		if id == pr.id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(c.groups, pr.group)
		return
	}
	c.groups[pr.group] = q
	c.flushGroup(pr.group)
}

// ----------------------------------------------------------------------------
// Teardown (reactor-only)
// ----------------------------------------------------------------------------

// teardown closes the connection and fans the failure out: every pending
// request receives one Error event (RequestTimeout if its deadline had
// already passed, otherwise the given kind) and the default handler
// receives exactly one Disconnect. Runs at most once.
func (c *connection) teardown(kind Kind) {
	if c.tornDown {
		return
	}
	c.tornDown = true
	c.closing.Store(true)

	c.comm.unregister(c)

	c.sendMu.Lock()
	c.sendClosed = true
	c.sendq = nil
	c.queuedBytes = 0
	c.sendCond.Broadcast()
	c.sendMu.Unlock()

	_ = c.conn.Close()

	now := time.Now()
	for _, pr := range c.pending {
		errKind := kind
		if !pr.deadline.IsZero() && now.After(pr.deadline) {
			errKind = KindRequestTimeout
		}
		pr.handler.Handle(newErrorEvent(c.peer, &Error{Kind: errKind}))
	}
	pendingCount := len(c.pending)
	c.pending = map[uint32]*pendingRequest{}
	c.groups = map[uint32][]uint32{}

	c.handler.Handle(newDisconnectEvent(c.peer, &Error{Kind: kind}))

	if m := c.comm.opts.Metrics; m != nil {
		m.RecordConnectionClosed()
	}
	c.log.Debug("connection torn down",
		logger.KeyKind, kind, logger.KeyPending, pendingCount)
}
