package openprotocol

// -------------------------------------------------------------------------
// Metrics Reporting Interface
// -------------------------------------------------------------------------

// MetricsReporter receives protocol engine events for metrics collection.
//
// The engine calls these methods from its hot paths, so implementations
// must be cheap and must never block. A no-op implementation is used when
// metrics are disabled.
type MetricsReporter interface {
	// SessionState records session activation and deactivation.
	SessionState(active bool)

	// ConnectionRejected counts connections refused because a session
	// was already active.
	ConnectionRejected()

	// FrameReceived counts one decoded inbound frame by MID.
	FrameReceived(mid int)

	// FrameSent counts one encoded outbound frame by MID.
	FrameSent(mid int)

	// DecodeError counts one inbound frame that failed to decode.
	DecodeError()

	// ProtocolError counts one negative response by error code.
	ProtocolError(code int)

	// SubscriptionState records stream subscribe and unsubscribe.
	SubscriptionState(stream string, active bool)

	// ResultEmitted counts one simulated tightening result by outcome.
	ResultEmitted(ok bool)
}

// noopMetrics is the default MetricsReporter doing nothing.
type noopMetrics struct{}

func (noopMetrics) SessionState(bool)              {}
func (noopMetrics) ConnectionRejected()            {}
func (noopMetrics) FrameReceived(int)              {}
func (noopMetrics) FrameSent(int)                  {}
func (noopMetrics) DecodeError()                   {}
func (noopMetrics) ProtocolError(int)              {}
func (noopMetrics) SubscriptionState(string, bool) {}
func (noopMetrics) ResultEmitted(bool)             {}
