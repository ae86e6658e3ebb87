package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// EnvelopeEnqueued is a no-op.
func (n *NoopCollector) EnvelopeEnqueued(queue string) {}

// EnvelopeProcessed is a no-op.
func (n *NoopCollector) EnvelopeProcessed(runner string, outcome string) {}

// ChainDisposition is a no-op.
func (n *NoopCollector) ChainDisposition(list string, disposition string) {}

// PipelineCompleted is a no-op.
func (n *NoopCollector) PipelineCompleted(list string, outcome string) {}

// DeliveryCompleted is a no-op.
func (n *NoopCollector) DeliveryCompleted(recipientDomain string, result string) {}

// BounceRegistered is a no-op.
func (n *NoopCollector) BounceRegistered(list string, context string) {}

// DigestSent is a no-op.
func (n *NoopCollector) DigestSent(list string, kind string) {}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// MessageReceived is a no-op.
func (n *NoopCollector) MessageReceived(listDomain string, sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(reason string) {}

// RunnerRestarted is a no-op.
func (n *NoopCollector) RunnerRestarted(runner string) {}
