// Package httputil provides the JSON, request parsing and middleware
// helpers shared by the HTTP handlers.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteErrorResponse(w, http.StatusForbidden, httputil.ErrorResponse{Error: "denied", Reason: "insufficient_role"})
//
// # Request Parsing
//
//	var req ChangeRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
