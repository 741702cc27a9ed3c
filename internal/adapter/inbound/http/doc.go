// Package http provides the HTTP transport adapter for the decision API.
//
// This package exposes the three decision agents over HTTP. Orchestrators
// invoke the engine per request; every response carries the wire envelope
// with the finalized span tree.
//
// # Usage
//
// Create and start a server:
//
//	srv := http.NewServer(enforcer, resolver, router,
//	    http.WithAddr(":3000"),
//	    http.WithLogger(logger),
//	    http.WithAdminHandler(adminAPI),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	POST /v1/evaluate           - policy enforcement decision
//	POST /v1/resolve            - constraint resolution
//	POST /v1/route              - approval routing decision
//	GET  /v1/approvals/{id}     - approval request status (null when untracked)
//	GET  /healthz               - component health
//	GET  /metrics               - Prometheus metrics
//
// Admin routes under /v1/policies mount through WithAdminHandler.
//
// # Request Headers
//
//	x-execution-id:    umbrella execution id (required, 400 EXECUTION_CONTEXT_ERROR if missing)
//	x-parent-span-id:  parent span id from the orchestrator (required, same rejection)
//	x-correlation-id:  request tracing id (generated if absent, echoed back)
//	x-session-id:      optional session id carried into the execution ref
//
// # Response Envelope
//
// Every decision response is the same JSON envelope:
//
//	{
//	  "success": true|false,
//	  "data":    { DecisionEvent },            // success
//	  "error":   { code, message, details? },  // failure
//	  "execution": { "repo_span": {...}, "agent_spans": [...] }
//	}
//
// Error events still ride the success path: when an agent emitted an event,
// the caller receives it with success=true even if the event reports a
// conservative error outcome.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - records duration and status (outermost, captures full duration)
//  2. CorrelationMiddleware - extracts/generates x-correlation-id and enriches the logger
//  3. Handler - decodes the request and calls the agent
package http
