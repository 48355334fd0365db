package comm

import (
	"net"

	"github.com/hypercomm/hypercomm/internal/logger"
)

// listener accepts stream connections and registers them with the Comm
// registry. Each accepted connection gets its own default handler from the
// factory and is pinned to a reactor round-robin.
type listener struct {
	comm    *Comm
	ln      net.Listener
	factory ConnectionHandlerFactory
	handler DispatchHandler
	quit    chan struct{}
	done    chan struct{}
}

func newListener(c *Comm, ln net.Listener, factory ConnectionHandlerFactory, handler DispatchHandler) *listener {
	return &listener{
		comm:    c,
		ln:      ln,
		factory: factory,
		handler: handler,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (l *listener) start() {
	go l.acceptLoop()
}

// Addr returns the bound address, useful when listening on port 0.
func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *listener) acceptLoop() {
	defer close(l.done)

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
				logger.Debug("accept failed", logger.KeyError, err)
				continue
			}
		}

		handler := l.handler
		if l.factory != nil {
			handler = l.factory.NewHandler()
		}

		conn := newConnection(l.comm, nc, nc.RemoteAddr().String(), handler, l.comm.pickReactor())
		l.comm.register(conn)
	}
}

func (l *listener) stop() {
	close(l.quit)
	_ = l.ln.Close()
	<-l.done
}
