package otel

import "go.opentelemetry.io/otel/attribute"

// Metric attribute keys. Backend and model label every instrument so the
// sqlite samples stay queryable per upstream.
var (
	// AttrBackend is the configured backend name.
	AttrBackend = attribute.Key("proxy.backend")

	// AttrBackendUUID is the backend's stable identifier.
	AttrBackendUUID = attribute.Key("proxy.backend.uuid")

	// AttrModel is the model actually sent upstream.
	AttrModel = attribute.Key("proxy.model")

	// AttrRequestModel is the model the client asked for.
	AttrRequestModel = attribute.Key("proxy.request.model")

	// AttrMode distinguishes translate from passthrough requests.
	AttrMode = attribute.Key("proxy.mode")

	// AttrStreamed marks SSE responses.
	AttrStreamed = attribute.Key("proxy.streamed")

	// AttrStatus is the request outcome: success, error, or canceled.
	AttrStatus = attribute.Key("proxy.status")

	// AttrErrorKind carries the error taxonomy kind on failures.
	AttrErrorKind = attribute.Key("proxy.error.kind")

	// AttrTokenType splits the token counter into input, output, cache_read,
	// and cache_creation.
	AttrTokenType = attribute.Key("proxy.token_type")

	// AttrWatchdog names the watchdog that fired: inactivity or terminal.
	AttrWatchdog = attribute.Key("proxy.watchdog")
)
