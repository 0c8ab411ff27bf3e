// Package middleware provides per-user rate limiting for the API.
//
// # Limiters
//
// LocalLimiter: in-process token bucket, one bucket per key
//
//	limiter := middleware.NewLocalLimiter(cfg)
//	limiter.StartCleanup(ctx)
//
// RedisLimiter: fixed window counter shared by every instance
//
//	limiter := middleware.NewRedisLimiter(redisClient, cfg, "ratelimit:user")
//
// # Middleware
//
// RateLimit keys requests by the acting user set by api.ActorMiddleware,
// falling back to the client address. Limited requests get a 429 with
// Retry-After and X-RateLimit-* headers. Limiter errors fail open.
//
//	router.Use(middleware.RateLimit(limiter, logger, metrics))
package middleware
