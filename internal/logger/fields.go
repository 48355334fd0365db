package logger

// Standard field keys for structured logging. Use these consistently across
// all log statements so logs can be aggregated and queried by field.
const (
	// Connection identification
	KeyConnID = "conn_id" // per-connection UUID assigned at registration
	KeyPeer   = "peer"    // remote address (host:port)
	KeyLocal  = "local"   // local bind address
	KeyProxy  = "proxy"   // proxy alias a peer was resolved through

	// Frame metadata
	KeyProtocol = "protocol"  // sub-protocol tag carried in the header
	KeyMsgID    = "msg_id"    // message id (request/response correlation)
	KeyGroupID  = "group_id"  // serialization group
	KeyFrameLen = "frame_len" // total frame length including header

	// Reactor & scheduling
	KeyReactor = "reactor" // reactor index a connection is pinned to
	KeyTimers  = "timers"  // timer heap size

	// Queues & flow control
	KeyQueueBytes = "queue_bytes" // bytes currently held in a send queue
	KeyPending    = "pending"     // outstanding request count

	// Operation metadata
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyKind       = "kind"        // comm error kind
	KeyAttempt    = "attempt"     // reconnect attempt number
	KeyBackoffMs  = "backoff_ms"  // reconnect backoff delay
)
