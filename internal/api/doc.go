// Package api provides the HTTP REST API and WebSocket event stream
// for the device engine.
//
// It is a thin façade over the device manager: handlers decode a
// request, call one manager operation, and encode the result. The
// server follows the same lifecycle pattern as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api
