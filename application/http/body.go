package http

// BodyEvent is either a [BodyChunk] or [BodyEnd].
type BodyEvent interface{ bodyEvent() }

// BodyChunk carries a slice of request content.
// Data is only valid until the handler returns; copy it to keep it.
type BodyChunk struct {
	Data []byte
	// Ack tells the engine the chunk has been consumed.
	// Chunks are delivered synchronously on the connection's read loop,
	// so calling it is optional and it never resumes anything.
	Ack func()
}

// BodyEnd terminates the event sequence. It is delivered exactly once.
type BodyEnd struct{}

func (BodyChunk) bodyEvent() {}
func (BodyEnd) bodyEvent()   {}

// BodyHandler consumes body events in wire order.
// Setting *stop aborts the connection after the call returns.
type BodyHandler func(ev BodyEvent, stop *bool)

// BodyProcessing tells the engine what to do with request content.
// It is either [DiscardBody] or [ProcessBody].
type BodyProcessing interface{ bodyProcessing() }

type DiscardBody struct{}

type ProcessBody struct {
	Handler BodyHandler
}

func (DiscardBody) bodyProcessing() {}
func (ProcessBody) bodyProcessing() {}

// Process is shorthand for ProcessBody{Handler: h}.
func Process(h BodyHandler) BodyProcessing { return ProcessBody{Handler: h} }

// Discard is shorthand for DiscardBody{}.
func Discard() BodyProcessing { return DiscardBody{} }
