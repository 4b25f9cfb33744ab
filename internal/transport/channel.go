// Package transport provides the point-to-point message channel to a single
// frame-processing worker, with connection-health tracking decoupled from the
// request path.
package transport

import "github.com/framectl/framectl/internal/protocol"

// Channel is an asynchronous request/response message channel to one worker.
// Responses arrive on a buffered channel in whatever order the worker emits
// them; correlation is the caller's job.
type Channel interface {
	// Send writes one request envelope. It fails if the connection is not
	// currently established.
	Send(req *protocol.Request) error

	// Responses returns the stream of decoded response envelopes.
	Responses() <-chan *protocol.Response

	// Connected reports the transport-level connection state.
	Connected() bool

	// Close releases the connection and the monitoring resources. Idempotent.
	Close() error
}
