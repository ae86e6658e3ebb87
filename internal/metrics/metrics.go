// Package metrics provides interfaces and implementations for collecting
// list server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording list server metrics.
type Collector interface {
	// Queue metrics
	EnvelopeEnqueued(queue string)
	// outcome should be "finished", "requeued", "shunted", or "preserved"
	EnvelopeProcessed(runner string, outcome string)

	// Moderation metrics (list first)
	ChainDisposition(list string, disposition string)
	PipelineCompleted(list string, outcome string)

	// Delivery metrics (recipient domain first)
	// result should be "success", "temp_failure", or "perm_failure"
	DeliveryCompleted(recipientDomain string, result string)

	// Bounce metrics
	BounceRegistered(list string, context string)

	// Digest metrics
	DigestSent(list string, kind string)

	// LMTP metrics
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(listDomain string, sizeBytes int64)
	MessageRejected(reason string)

	// Supervisor metrics
	RunnerRestarted(runner string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
