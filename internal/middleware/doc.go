// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package middleware provides HTTP middleware components for the application.

This package implements infrastructure middleware for compression, performance
monitoring, request ID tracking, and Prometheus metrics integration. CORS and
rate limiting are handled separately, by go-chi/cors and go-chi/httprate in
internal/api's router setup, rather than by this package.

Key Components:

  - Compression: Gzip compression of responses to gzip-accepting clients
  - Performance Monitor: Request latency tracking with percentile calculations
  - Request ID: UUID-based request tracking for distributed tracing
  - Prometheus Metrics: HTTP request/response instrumentation

Middleware Stack:

internal/api's router mounts these (adapted to chi's middleware signature)
alongside cors.Handler and httprate.LimitByIP:

	r.Use(asChiMiddleware(middleware.RequestID))
	r.Use(perf.Middleware)
	r.Use(asChiMiddleware(middleware.PrometheusMetrics))
	r.Use(asChiMiddleware(middleware.Compression))
	r.Use(cors.Handler(cors.Options{...}))
	r.Use(httprate.LimitByIP(rps, time.Second))

Usage Example - Compression:

	import "github.com/nestbox-fm/nestbox/internal/middleware"

	// Wrap handler with gzip compression
	http.HandleFunc("/api/v1/data",
	    middleware.Compression(handler),
	)

	// Every response is compressed, whatever its size, when the
	// request carries Accept-Encoding: gzip

Usage Example - Performance Monitoring:

	// Create performance monitor keeping the 1024 most recent samples
	perfMon := middleware.NewPerformanceMonitor(1024)

	// Wrap handler (an http.Handler)
	http.Handle("/api/v1/stats",
	    perfMon.Middleware(handler),
	)

	// Get per-endpoint performance statistics (milliseconds)
	for _, s := range perfMon.GetStats() {
	    fmt.Printf("%s p50: %d, p95: %d, p99: %d\n",
	        s.Path, s.P50Duration, s.P95Duration, s.P99Duration)
	}

Usage Example - Request ID:

	// Request ID middleware
	http.HandleFunc("/api/v1/logs",
	    middleware.RequestID(handler),
	)

	// Access request ID in handler
	func handler(w http.ResponseWriter, r *http.Request) {
	    requestID := r.Context().Value(middleware.RequestIDKey).(string)
	    log.Printf("[%s] Processing request", requestID)
	}

Performance Characteristics:

  - Compression: 70-90% size reduction for JSON
  - Compression overhead: ~1-2ms for typical responses
  - Metrics overhead: <0.1ms per request
  - Request ID overhead: <0.01ms (UUID generation)
  - Performance monitor: mutex-guarded sliding window of latency samples

Compression Details:

The compression middleware:
  - Compresses every response once the client accepts gzip; there is
    no size threshold and no content-type filter
  - Supports gzip encoding only (Accept-Encoding: gzip)
  - Skips WebSocket upgrade requests
  - Sets Content-Encoding: gzip and removes Content-Length
  - Does not flush partial output; the gzip stream is closed when the
    handler returns

Performance Monitor:

The performance monitor tracks:
  - Request count per endpoint (status codes are recorded per sample)
  - Latency percentiles (p50, p95, p99)
  - Rolling window of the maxMetrics most recent requests, set by
    NewPerformanceMonitor (internal/api uses 1024)
  - Thread-safe concurrent access with RWMutex

Thread Safety:

All middleware components are thread-safe:
  - Compression uses per-request gzip writers
  - Performance monitor uses sync.RWMutex
  - Request ID uses context.Context (immutable)
  - Prometheus metrics use atomic operations

See Also:

  - internal/api: HTTP handlers wrapped by middleware, CORS/rate-limit setup
  - internal/metrics: Prometheus metrics definitions
*/
package middleware
