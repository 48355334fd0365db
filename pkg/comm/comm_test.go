package comm

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypercomm/hypercomm/pkg/serialization"
)

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func newTestComm(t *testing.T, opts Options) *Comm {
	t.Helper()
	if opts.Reactors == 0 {
		opts.Reactors = 2
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	c := New(opts)
	t.Cleanup(c.Shutdown)
	return c
}

// eventRecorder collects events on a buffered channel so reactor goroutines
// never block on the test.
type eventRecorder struct {
	ch chan *Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan *Event, 128)}
}

func (r *eventRecorder) Handle(event *Event) {
	select {
	case r.ch <- event:
	default:
	}
}

func (r *eventRecorder) next(t *testing.T, timeout time.Duration) *Event {
	t.Helper()
	select {
	case event := <-r.ch:
		return event
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// nextOfType skips events until one of the wanted type arrives.
func (r *eventRecorder) nextOfType(t *testing.T, want EventType, timeout time.Duration) *Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-r.ch:
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return nil
		}
	}
}

func (r *eventRecorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case event := <-r.ch:
		t.Fatalf("unexpected event: %s", event)
	case <-time.After(d):
	}
}

// startEchoServer runs a Comm-based echo server that answers every request
// with the uppercased vstr payload.
func startEchoServer(t *testing.T) string {
	t.Helper()
	server := newTestComm(t, Options{})

	factory := ConnectionHandlerFactoryFunc(func() DispatchHandler {
		return DispatchHandlerFunc(func(event *Event) {
			if event.Type != EventMessage || !event.Header.IsRequest() {
				return
			}
			msg, err := serialization.NewDecoder(event.Payload).Vstr()
			if err != nil {
				return
			}
			upper := strings.ToUpper(msg)
			resp := NewFrame(event.Header.Protocol, serialization.EncodedVstrLen(upper))
			resp.InitializeFromRequest(event.Header)
			resp.AppendVstr(upper)
			_ = server.SendResponse(event.Peer.String(), resp)
		})
	})

	require.NoError(t, server.Listen("127.0.0.1:0", factory, nil))
	return server.ListenerAddr().String()
}

// rawServer is a bare TCP listener for tests that need byte-level control
// of the server side of the wire.
type rawServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newRawServer(t *testing.T) *rawServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &rawServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- conn
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *rawServer) addr() string {
	return s.ln.Addr().String()
}

func (s *rawServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

// readFrame reads one complete frame off a raw connection.
func readFrame(t *testing.T, conn net.Conn) (Header, []byte) {
	t.Helper()
	hdr := make([]byte, HeaderSize)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)

	h, err := ParseHeader(hdr)
	require.NoError(t, err)

	payload := make([]byte, h.PayloadLen())
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return h, payload
}

// writeFrameRaw writes header+payload in one shot.
func writeFrameRaw(t *testing.T, conn net.Conn, h Header, payload []byte) {
	t.Helper()
	h.TotalLen = uint32(HeaderSize + len(payload))
	wire := make([]byte, HeaderSize+len(payload))
	h.Encode(wire)
	copy(wire[HeaderSize:], payload)
	_, err := conn.Write(wire)
	require.NoError(t, err)
}

// writeResponseRaw answers a parsed request with the given payload.
func writeResponseRaw(t *testing.T, conn net.Conn, req Header, payload []byte) {
	t.Helper()
	writeFrameRaw(t, conn, Header{
		Version:   HeaderVersion,
		Protocol:  req.Protocol,
		Flags:     req.Flags &^ FlagRequest,
		HeaderLen: HeaderSize,
		ID:        req.ID,
		GroupID:   req.GroupID,
	}, payload)
}

func vstrFrame(s string) *Frame {
	f := NewFrame(ProtocolNone, serialization.EncodedVstrLen(s))
	f.AppendVstr(s)
	return f
}

// ----------------------------------------------------------------------------
// Scenarios
// ----------------------------------------------------------------------------

func TestEchoRoundTrip(t *testing.T) {
	addr := startEchoServer(t)

	client := newTestComm(t, Options{})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(addr, time.Second, defaultRec))

	established := defaultRec.next(t, time.Second)
	assert.Equal(t, EventConnectionEstablished, established.Type)

	sync := NewDispatchHandlerSynchronizer()
	require.NoError(t, client.SendRequest(addr, time.Second, vstrFrame("hello"), sync))

	event, err := sync.WaitForReplyTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, EventMessage, event.Type)

	reply, err := serialization.NewDecoder(event.Payload).Vstr()
	require.NoError(t, err)
	assert.Equal(t, "HELLO", reply)

	// Correlated responses never reach the default handler.
	defaultRec.expectNone(t, 200*time.Millisecond)
}

func TestLargeExtendedPayload(t *testing.T) {
	const extSize = 1 << 20

	server := newTestComm(t, Options{})
	received := make(chan *Event, 1)
	factory := ConnectionHandlerFactoryFunc(func() DispatchHandler {
		return DispatchHandlerFunc(func(event *Event) {
			if event.Type == EventMessage {
				received <- event
			}
		})
	})
	require.NoError(t, server.Listen("127.0.0.1:0", factory, nil))
	addr := server.ListenerAddr().String()

	client := newTestComm(t, Options{})
	require.NoError(t, client.Connect(addr, time.Second, newEventRecorder()))

	ext := make([]byte, extSize)
	f := NewFrameExt(ProtocolDFSBroker, 8, ext)
	f.AppendU32(0x100)
	f.AppendU32(extSize)
	require.NoError(t, client.SendRequest(addr, 5*time.Second, f, nil))

	select {
	case event := <-received:
		assert.Equal(t, uint32(HeaderSize+8+extSize), event.Header.TotalLen)
		require.Len(t, event.Payload, 8+extSize)

		d := serialization.NewDecoder(event.Payload)
		offset, err := d.U32()
		require.NoError(t, err)
		assert.Equal(t, uint32(0x100), offset)
		length, err := d.U32()
		require.NoError(t, err)
		assert.Equal(t, uint32(extSize), length)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, client.Connect(srv.addr(), time.Second, newEventRecorder()))

	rec := newEventRecorder()
	start := time.Now()
	require.NoError(t, client.SendRequest(srv.addr(), 100*time.Millisecond, vstrFrame("ping"), rec))

	event := rec.next(t, time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, EventError, event.Type)
	assert.ErrorIs(t, event.Err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// Exactly one terminal event per pending request.
	rec.expectNone(t, 200*time.Millisecond)
}

func TestLateResponseGoesToDefaultHandler(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{PollInterval: 20 * time.Millisecond})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(srv.addr(), time.Second, defaultRec))

	rec := newEventRecorder()
	require.NoError(t, client.SendRequest(srv.addr(), 50*time.Millisecond, vstrFrame("slow"), rec))

	conn := srv.accept(t)
	req, _ := readFrame(t, conn)

	// The request times out first...
	event := rec.next(t, time.Second)
	assert.ErrorIs(t, event.Err, ErrRequestTimeout)

	// ...then the response arrives and is treated as unsolicited.
	writeResponseRaw(t, conn, req, nil)
	late := defaultRec.nextOfType(t, EventMessage, time.Second)
	assert.Equal(t, req.ID, late.Header.ID)
}

func TestDisconnectFanout(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(srv.addr(), time.Second, defaultRec))
	conn := srv.accept(t)

	const inflight = 5
	recorders := make([]*eventRecorder, inflight)
	for i := range recorders {
		recorders[i] = newEventRecorder()
		require.NoError(t, client.SendRequest(srv.addr(), 30*time.Second, vstrFrame("req"), recorders[i]))
	}
	for i := 0; i < inflight; i++ {
		readFrame(t, conn)
	}

	require.NoError(t, conn.Close())

	for i, rec := range recorders {
		event := rec.next(t, 2*time.Second)
		assert.Equal(t, EventError, event.Type, "request %d", i)
		assert.ErrorIs(t, event.Err, ErrBrokenConnection, "request %d", i)
		rec.expectNone(t, 50*time.Millisecond)
	}

	disconnect := defaultRec.nextOfType(t, EventDisconnect, 2*time.Second)
	assert.ErrorIs(t, disconnect.Err, ErrBrokenConnection)
	defaultRec.expectNone(t, 200*time.Millisecond)
}

func TestGroupOrdering(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{})
	require.NoError(t, client.Connect(srv.addr(), time.Second, newEventRecorder()))
	conn := srv.accept(t)

	const requests = 3
	delivered := make(chan int, requests)
	for i := 0; i < requests; i++ {
		i := i
		f := vstrFrame("op")
		f.SetGroup(7)
		handler := DispatchHandlerFunc(func(event *Event) {
			if event.Type == EventMessage {
				delivered <- i
			}
		})
		require.NoError(t, client.SendRequest(srv.addr(), 10*time.Second, f, handler))
	}

	headers := make([]Header, requests)
	for i := 0; i < requests; i++ {
		headers[i], _ = readFrame(t, conn)
	}

	// Reply out of order: last, first, middle.
	writeResponseRaw(t, conn, headers[2], nil)
	writeResponseRaw(t, conn, headers[0], nil)
	writeResponseRaw(t, conn, headers[1], nil)

	// Delivery must follow submission order regardless.
	for want := 0; want < requests; want++ {
		select {
		case got := <-delivered:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", want)
		}
	}
}

func TestOversizeFrameDisconnects(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{MaxFrameBytes: 1024})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(srv.addr(), time.Second, defaultRec))
	conn := srv.accept(t)

	oversize := Header{
		Version:   HeaderVersion,
		Protocol:  ProtocolNone,
		HeaderLen: HeaderSize,
		ID:        1,
		TotalLen:  2048,
	}
	wire := make([]byte, HeaderSize)
	oversize.Encode(wire)
	_, err := conn.Write(wire)
	require.NoError(t, err)

	disconnect := defaultRec.nextOfType(t, EventDisconnect, 2*time.Second)
	assert.ErrorIs(t, disconnect.Err, ErrMessageTooLong)
	defaultRec.expectNone(t, 200*time.Millisecond)
}

func TestCloseSweepsPending(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(srv.addr(), time.Second, defaultRec))
	conn := srv.accept(t)

	const inflight = 3
	recorders := make([]*eventRecorder, inflight)
	for i := range recorders {
		recorders[i] = newEventRecorder()
		require.NoError(t, client.SendRequest(srv.addr(), 30*time.Second, vstrFrame("req"), recorders[i]))
	}
	headers := make([]Header, inflight)
	for i := 0; i < inflight; i++ {
		headers[i], _ = readFrame(t, conn)
	}

	require.NoError(t, client.Close(srv.addr()))

	for i, rec := range recorders {
		event := rec.next(t, 2*time.Second)
		assert.Equal(t, EventError, event.Type, "request %d", i)
		rec.expectNone(t, 50*time.Millisecond)
	}
	disconnect := defaultRec.nextOfType(t, EventDisconnect, 2*time.Second)
	assert.Equal(t, EventDisconnect, disconnect.Type)

	// A response arriving after close must not produce events.
	writeResponseRaw(t, conn, headers[0], nil)
	defaultRec.expectNone(t, 300*time.Millisecond)

	// The peer is no longer registered.
	err := client.SendRequest(srv.addr(), time.Second, vstrFrame("x"), nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUnsolicitedRequestGoesToDefaultHandler(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(srv.addr(), time.Second, defaultRec))
	conn := srv.accept(t)

	writeFrameRaw(t, conn, Header{
		Version:   HeaderVersion,
		Protocol:  ProtocolRangeServer,
		Flags:     FlagRequest,
		HeaderLen: HeaderSize,
		ID:        99,
	}, []byte{1, 2, 3})

	event := defaultRec.nextOfType(t, EventMessage, 2*time.Second)
	assert.True(t, event.Header.IsRequest())
	assert.Equal(t, uint32(99), event.Header.ID)
	assert.Equal(t, []byte{1, 2, 3}, event.Payload)
}

func TestIgnoreResponseRegistersNoPending(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(srv.addr(), time.Second, defaultRec))
	conn := srv.accept(t)

	rec := newEventRecorder()
	f := vstrFrame("fire-and-forget")
	f.AddFlag(FlagIgnoreResponse)
	require.NoError(t, client.SendRequest(srv.addr(), time.Second, f, rec))

	req, _ := readFrame(t, conn)
	assert.True(t, req.IgnoresResponse())

	// A response to an IGNORE_RESPONSE request finds no pending record and
	// falls through to the default handler.
	writeResponseRaw(t, conn, req, nil)
	defaultRec.nextOfType(t, EventMessage, 2*time.Second)
	rec.expectNone(t, 200*time.Millisecond)
}

// ----------------------------------------------------------------------------
// Facade errors
// ----------------------------------------------------------------------------

func TestSendRequestNotConnected(t *testing.T) {
	client := newTestComm(t, Options{})
	err := client.SendRequest("127.0.0.1:1", time.Second, vstrFrame("x"), nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectAlreadyConnected(t *testing.T) {
	addr := startEchoServer(t)

	client := newTestComm(t, Options{})
	require.NoError(t, client.Connect(addr, time.Second, newEventRecorder()))

	err := client.Connect(addr, time.Second, newEventRecorder())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectFailure(t *testing.T) {
	client := newTestComm(t, Options{})
	// Dial a port nothing listens on.
	err := client.Connect("127.0.0.1:1", 200*time.Millisecond, newEventRecorder())
	assert.ErrorIs(t, err, ErrConnectFailure)
}

func TestQueueFull(t *testing.T) {
	srv := newRawServer(t)

	client := newTestComm(t, Options{SendQueueBytes: 64})
	require.NoError(t, client.Connect(srv.addr(), time.Second, newEventRecorder()))

	big := NewFrameExt(ProtocolNone, 0, make([]byte, 128))
	err := client.SendRequest(srv.addr(), time.Second, big, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestProxyResolution(t *testing.T) {
	addr := startEchoServer(t)

	client := newTestComm(t, Options{})
	client.AddProxy("dfsbroker", addr)

	require.NoError(t, client.Connect("dfsbroker", time.Second, newEventRecorder()))

	sync := NewDispatchHandlerSynchronizer()
	require.NoError(t, client.SendRequest("dfsbroker", time.Second, vstrFrame("via proxy"), sync))

	event, err := sync.WaitForReplyTimeout(2 * time.Second)
	require.NoError(t, err)
	reply, err := serialization.NewDecoder(event.Payload).Vstr()
	require.NoError(t, err)
	assert.Equal(t, "VIA PROXY", reply)
}

func TestInvalidProxy(t *testing.T) {
	client := newTestComm(t, Options{})
	err := client.Connect("nosuchservice", time.Second, newEventRecorder())
	assert.ErrorIs(t, err, ErrInvalidProxy)
}

func TestSetTimer(t *testing.T) {
	client := newTestComm(t, Options{PollInterval: 20 * time.Millisecond})

	rec := newEventRecorder()
	start := time.Now()
	client.SetTimer(100*time.Millisecond, rec)

	event := rec.next(t, time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, EventTimer, event.Type)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestConcurrentSenders(t *testing.T) {
	addr := startEchoServer(t)

	client := newTestComm(t, Options{})
	require.NoError(t, client.Connect(addr, time.Second, newEventRecorder()))

	const senders = 8
	const perSender = 20

	var wg sync.WaitGroup
	errs := make(chan error, senders*perSender)
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				sync := NewDispatchHandlerSynchronizer()
				if err := client.SendRequest(addr, 5*time.Second, vstrFrame("load"), sync); err != nil {
					errs <- err
					return
				}
				if _, err := sync.WaitForReplyTimeout(5 * time.Second); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("round trip failed: %v", err)
	}
}

func TestShutdownDeliversDisconnects(t *testing.T) {
	addr := startEchoServer(t)

	client := New(Options{Reactors: 1, PollInterval: 50 * time.Millisecond})
	defaultRec := newEventRecorder()
	require.NoError(t, client.Connect(addr, time.Second, defaultRec))
	defaultRec.nextOfType(t, EventConnectionEstablished, time.Second)

	client.Shutdown()
	disconnect := defaultRec.nextOfType(t, EventDisconnect, 2*time.Second)
	assert.Equal(t, EventDisconnect, disconnect.Type)
}
