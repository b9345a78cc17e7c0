/*
Package tracing provides lightweight request tracing for the proxy.

Every inbound request gets a span. The trace and span IDs are returned to
the client in X-Trace-ID and X-Span-ID, and forwarded to the origin so a
request can be followed across both hops. Finished spans are buffered and
logged by a single collector goroutine.

	tracer := tracing.New("frameproxy", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "fetch")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
*/
package tracing
