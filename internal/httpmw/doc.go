// Package httpmw holds the middleware used on the trigger and WebSocket
// listeners.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recovery, request ID, client IP, tracing, trace response headers,
// metrics, request-scoped logger, then the chi router with route
// annotation, access log and the body limit.
//
// None of them alter the status or body of a request that completes
// normally. Query strings and user agents are never logged.
package httpmw
