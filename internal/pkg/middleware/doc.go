// Package middleware provides HTTP middleware components for the catalog server.
//
// Available middleware:
//   - RateLimiter: per-client token bucket limiting (WebSocket upgrades exempt)
//   - Recovery, CORS, Logging, InFlight: the standard request chain
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	handler = rl.Middleware(handler)
package middleware
