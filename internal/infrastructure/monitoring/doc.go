/*
Package monitoring provides Prometheus metrics for the proxy.

# Overview

Each Metrics value owns a private registry, so tests and embedded servers
can create as many instances as they like. The HTTP middleware labels by
route template rather than raw path.

# Metrics

- HTTP requests (count, latency, response size)
- Pipeline stage durations (validate, cache, fetch, decode, rewrite, sanitize)
- Upstream failures by class (dns, refused, timeout, circuit_open, other)
- Decode and rewrite failures
- Cache hits, misses, evictions and size
- Circuit breaker transitions

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "fetch")
	// ... fetch from origin ...
	timer.Stop()
*/
package monitoring
