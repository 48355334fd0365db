package comm

import (
	"net"
	"sync"

	"github.com/hypercomm/hypercomm/internal/logger"
	"github.com/hypercomm/hypercomm/pkg/bufpool"
)

// maxDatagramBytes is the largest UDP payload that fits a single packet.
const maxDatagramBytes = 65507

// datagram is the packet I/O handler. Every received packet yields exactly
// one Message event; there is no reassembly across packets, and sends are
// whole-packet or rejected.
type datagram struct {
	comm    *Comm
	conn    *net.UDPConn
	handler DispatchHandler
	reactor *reactor

	mu     sync.Mutex
	nextID uint32

	quit chan struct{}
	done chan struct{}
}

// CreateDatagramReceiveSocket binds a UDP socket and delivers every inbound
// packet to handler as a Message event.
func (c *Comm) CreateDatagramReceiveSocket(bind string, handler DispatchHandler) error {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return newError(KindBindFailure, "resolve %s: %v", bind, err)
	}
	uc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return newError(KindBindFailure, "bind %s: %v", bind, err)
	}

	d := &datagram{
		comm:    c,
		conn:    uc,
		handler: handler,
		reactor: c.pickReactor(),
		nextID:  1,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.dgram != nil {
		c.mu.Unlock()
		_ = uc.Close()
		return newError(KindAlreadyConnected, "datagram socket already open")
	}
	c.dgram = d
	c.mu.Unlock()

	go d.readLoop()
	logger.Info("datagram socket open", logger.KeyLocal, uc.LocalAddr().String())
	return nil
}

// SendDatagram sends a frame to peer as one UDP packet from the receive
// socket. Frames larger than a single packet are rejected.
func (c *Comm) SendDatagram(peer string, f *Frame) error {
	addr, err := c.resolve(peer)
	if err != nil {
		return err
	}

	c.mu.RLock()
	d := c.dgram
	c.mu.RUnlock()
	if d == nil {
		return newError(KindNotConnected, "no datagram socket open")
	}
	return d.send(addr, f)
}

func (d *datagram) send(addr string, f *Frame) error {
	if f.TotalLen() > maxDatagramBytes {
		return newError(KindMessageTooLong, "datagram of %d bytes exceeds %d", f.TotalLen(), maxDatagramBytes)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return newError(KindNotConnected, "resolve %s: %v", addr, err)
	}

	d.mu.Lock()
	f.Header.ID = d.nextID
	d.nextID++
	d.mu.Unlock()

	f.seal()
	packet := make([]byte, 0, f.TotalLen())
	packet = append(packet, f.wire...)
	packet = append(packet, f.ext...)

	if _, err := d.conn.WriteToUDP(packet, udpAddr); err != nil {
		return newError(KindBrokenConnection, "send datagram to %s: %v", addr, err)
	}
	if m := d.comm.opts.Metrics; m != nil {
		m.RecordFrameSent(len(packet))
	}
	return nil
}

func (d *datagram) readLoop() {
	defer close(d.done)

	buf := bufpool.Get(maxDatagramBytes + 1)
	defer bufpool.Put(buf)

	for {
		n, peer, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.quit:
			default:
				logger.Debug("datagram read failed", logger.KeyError, err)
			}
			return
		}

		header, perr := ParseHeader(buf[:n])
		if perr != nil {
			logger.Debug("datagram with corrupt header dropped",
				logger.KeyPeer, peer.String(), logger.KeyError, perr)
			continue
		}
		if int(header.TotalLen) != n {
			logger.Debug("datagram length mismatch dropped",
				logger.KeyPeer, peer.String(), logger.KeyFrameLen, n)
			continue
		}

		payload := make([]byte, n-HeaderSize)
		copy(payload, buf[HeaderSize:n])

		if m := d.comm.opts.Metrics; m != nil {
			m.RecordFrameReceived(n)
		}

		h := header
		from := peer
		d.reactor.post(func() {
			d.handler.Handle(newMessageEvent(from, &h, payload))
		})
	}
}

func (d *datagram) stop() {
	close(d.quit)
	_ = d.conn.Close()
	<-d.done
}
