package commands

import (
	"strings"

	"github.com/hypercomm/hypercomm/internal/logger"
	"github.com/hypercomm/hypercomm/pkg/comm"
	"github.com/hypercomm/hypercomm/pkg/serialization"
)

// echoHandler is the per-connection handler of the loopback test server.
// Every request whose payload decodes as a vstr is answered with the
// uppercased string; anything else is echoed back byte for byte as an
// extended buffer.
type echoHandler struct {
	comm *comm.Comm
}

func newEchoHandler(c *comm.Comm) *echoHandler {
	return &echoHandler{comm: c}
}

func (h *echoHandler) Handle(event *comm.Event) {
	switch event.Type {
	case comm.EventConnectionEstablished:
		logger.Debug("client connected", logger.KeyPeer, event.Peer.String())
	case comm.EventDisconnect:
		logger.Debug("client disconnected", logger.KeyPeer, event.Peer.String(),
			logger.KeyError, event.Err)
	case comm.EventMessage:
		h.reply(event)
	case comm.EventError:
		logger.Warn("connection error", logger.KeyPeer, event.Peer.String(),
			logger.KeyError, event.Err)
	}
}

func (h *echoHandler) reply(event *comm.Event) {
	if !event.Header.IsRequest() || event.Header.IgnoresResponse() {
		return
	}

	var response *comm.Frame
	if msg, err := serialization.NewDecoder(event.Payload).Vstr(); err == nil {
		upper := strings.ToUpper(msg)
		response = comm.NewFrame(event.Header.Protocol, serialization.EncodedVstrLen(upper))
		response.AppendVstr(upper)
	} else {
		response = comm.NewFrameExt(event.Header.Protocol, 0, event.Payload)
	}
	response.InitializeFromRequest(event.Header)

	if err := h.comm.SendResponse(event.Peer.String(), response); err != nil {
		logger.Warn("echo response failed",
			logger.KeyPeer, event.Peer.String(), logger.KeyError, err)
	}
}
