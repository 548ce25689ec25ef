package handlers

// Metadata keys reserved by rpcflow on domain events.
const (
	// MetadataKeyCorrelationID ties an event to the request that caused it.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyEventType names the payload, e.g. "profiles.initialized".
	MetadataKeyEventType = "event_type"

	// MetadataKeyUserID is the id claim of the user who triggered the event.
	MetadataKeyUserID = "user_id"

	// MetadataKeyRetryCount is set by the retry middleware between attempts.
	MetadataKeyRetryCount = "rpcflow_retry_count"
)
