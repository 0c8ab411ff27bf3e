package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/portfolio-authz/pkg/contextkeys"
	"github.com/platinummonkey/portfolio-authz/pkg/httputil"
)

// UserIDHeader carries the authenticated user id, set by the upstream
// auth proxy
const UserIDHeader = "X-User-ID"

// ActorMiddleware resolves the acting user from X-User-ID. Requests without
// a positive integer id are rejected with 401.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(UserIDHeader)
		if raw == "" {
			httputil.WriteUnauthorized(w, "missing "+UserIDHeader+" header")
			return
		}
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || actorID <= 0 {
			httputil.WriteUnauthorized(w, "invalid "+UserIDHeader+" header")
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("user.id", actorID))
		next.ServeHTTP(w, r.WithContext(contextkeys.WithActorID(r.Context(), actorID)))
	})
}

// routeSpanMiddleware names the server span after the matched route template
func routeSpanMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				span := trace.SpanFromContext(r.Context())
				span.SetName(r.Method + " " + tpl)
				span.SetAttributes(attribute.String("http.route", tpl))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// actorID returns the acting user set by ActorMiddleware
func actorID(r *http.Request) int64 {
	id, _ := contextkeys.GetActorID(r.Context())
	return id
}
