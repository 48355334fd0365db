package comm

// DispatchHandler is the polymorphic event sink. The same interface serves
// as a connection's default handler and as a per-request handler.
//
// Handlers are invoked on a reactor goroutine and must not block; work that
// can wait belongs in an application-level worker pool. Pending-request
// handlers receive exactly one terminal event: the correlated response, a
// RequestTimeout error, or a connection-loss error.
type DispatchHandler interface {
	Handle(event *Event)
}

// DispatchHandlerFunc adapts a plain function to a DispatchHandler.
type DispatchHandlerFunc func(*Event)

func (f DispatchHandlerFunc) Handle(event *Event) {
	f(event)
}

// ConnectionHandlerFactory creates the default dispatch handler for each
// connection accepted by a listener.
type ConnectionHandlerFactory interface {
	NewHandler() DispatchHandler
}

// ConnectionHandlerFactoryFunc adapts a plain function to a
// ConnectionHandlerFactory.
type ConnectionHandlerFactoryFunc func() DispatchHandler

func (f ConnectionHandlerFactoryFunc) NewHandler() DispatchHandler {
	return f()
}

// ConnectionInitializer drives an optional application-level handshake on a
// managed connection. After the socket opens, the connection manager sends
// the frame from CreateInitializationRequest and feeds the response to
// ProcessInitializationResponse; true completes the handshake and the
// default handler receives ConnectionEstablished, false resets the
// connection and the manager retries.
type ConnectionInitializer interface {
	CreateInitializationRequest() *Frame
	ProcessInitializationResponse(event *Event) bool
}
