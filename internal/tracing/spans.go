package tracing

// Span attribute keys used across foreman subsystems.
const (
	// Worker attributes
	AttrWorkerID     = "worker.id"
	AttrWorkerStatus = "worker.status"
	AttrWorkerHealth = "worker.health"
	AttrProject      = "worker.project"
	AttrLabel        = "worker.label"

	// Session attributes
	AttrSessionName = "session.name"

	// Correction loop attributes
	AttrLoopIteration = "loop.iteration"
	AttrLoopCategory  = "loop.category"
	AttrLoopHalt      = "loop.halt_reason"

	// Breaker attributes
	AttrBreakerName  = "breaker.name"
	AttrBreakerState = "breaker.state"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorTier    = "error.tier"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixRegistry = "registry."
	SpanPrefixTmux     = "tmux."
	SpanPrefixStore    = "store."
	SpanPrefixLoop     = "loop."
	SpanPrefixAPI      = "api."
)
