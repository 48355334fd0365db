package comm

import (
	"runtime"
	"time"

	"github.com/hypercomm/hypercomm/pkg/metrics"
)

// Default tuning values. Each has a matching knob in pkg/config.
const (
	DefaultPollInterval     = time.Second
	DefaultSendQueueBytes   = 16 << 20
	DefaultMaxFrameBytes    = 32 << 20
	DefaultConnectTimeout   = 10 * time.Second
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
)

// Options tunes a Comm instance. The zero value is usable; zero fields take
// the defaults above.
type Options struct {
	// Reactors is the number of reactor goroutines. Defaults to the number
	// of CPU cores.
	Reactors int

	// PollInterval bounds how long a reactor sleeps between housekeeping
	// passes, and therefore the tolerance on timer and timeout delivery.
	PollInterval time.Duration

	// SendQueueBytes bounds the bytes queued for transmission per
	// connection; sends beyond it fail with QueueFull.
	SendQueueBytes int

	// MaxFrameBytes bounds inbound frame size; a header claiming more
	// tears the connection down with MessageTooLong.
	MaxFrameBytes int

	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration

	// Metrics receives comm-layer measurements. Nil disables collection.
	Metrics metrics.CommMetrics
}

func (o Options) withDefaults() Options {
	if o.Reactors <= 0 {
		o.Reactors = runtime.NumCPU()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SendQueueBytes <= 0 {
		o.SendQueueBytes = DefaultSendQueueBytes
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	return o
}
