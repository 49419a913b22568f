// Package gateway terminates client transports. It mounts as a single
// net/http handler that serves cacheable reads over plain HTTP, one-way
// channel streams over Server-Sent Events and full-duplex sessions over
// WebSocket, translating each of them to and from frames handled by the
// engine.
//
// Responsibilities
//   - CORS echo with a fallback origin and security headers on every response
//   - HTTP reads through the query service with ETag and Cache-Control
//   - SSE streams subscribed from the query string at connect
//   - WebSocket hello handshake, outbox writer and idle deadline
//   - Health, status, contact intake and admin routes
//
// Construction
//
//	h := gateway.New(cfg, eng,
//	    gateway.WithLogger(log),
//	    gateway.WithStorage(store),
//	    gateway.WithFetcher(fetcher),
//	)
//	srv := &http.Server{Handler: h}
//
// # WebSocket close codes
//
// The first message must be a hello frame with protocolVersion 1 within
// HelloTimeout, otherwise the connection closes with 1008 and no session is
// created. An idle session closes with 4000, a revoked one with 4001 and a
// drained one with 1001.
//
// # Draining
//
// Drain refuses new streams with 503 and hands the open sessions to
// sessions.Manager.Drain, which lets in-flight queries finish until the
// deadline.
package gateway
