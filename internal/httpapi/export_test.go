package httpapi

// ServeListener exposes serve for tests that need an ephemeral port.
var ServeListener = serve
