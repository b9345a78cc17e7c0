// Package main is the entry point for the FrameProxy server.
//
// FrameProxy fetches third-party pages and rewrites them so they render and
// stay navigable inside an iframe on another origin.
//
//	Parent page (iframe) → FrameProxy /proxy/<url> → Origin
//
// The server provides:
//   - the /proxy/* rewriting proxy
//   - local asset serving under /static
//   - /health and Prometheus /metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -static ./static
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
