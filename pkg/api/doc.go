// Package api exposes the portfolio authorization engine over HTTP.
//
// Every route acts on behalf of the user named by the X-User-ID header,
// which an upstream auth proxy is trusted to set. Service outcomes map to
// status codes as follows:
//
//	not a member of the portfolio      403 {"code": "not_member"}
//	property outside the caller scope  404 {"code": "not_visible"}
//	denied by role or target rules     403 {"code": "denied", "reason": ...}
//	malformed input                    400 {"code": "validation", "field": ...}
//	unknown portfolio or invitation    404 {"code": "not_found"}
//	duplicate or concurrent change     409 {"code": "conflict"}
//	owner invariant would break        409 {"code": "invariant_violation"}
//	expired invitation                 410 {"code": "invitation_expired"}
//
// Anything else is logged and reported as a bare 500.
//
// Routes:
//
//	POST   /portfolios
//	GET    /portfolios/{id}/permissions
//	POST   /portfolios/{id}/authorize
//	GET    /portfolios/{id}/properties
//	POST   /portfolios/{id}/properties
//	DELETE /portfolios/{id}/properties/{pid}
//	GET    /portfolios/{id}/properties/{pid}/permissions
//	GET    /portfolios/{id}/members
//	PUT    /portfolios/{id}/members/{uid}/role
//	PUT    /portfolios/{id}/members/{uid}/property-access
//	DELETE /portfolios/{id}/members/{uid}
//	POST   /portfolios/{id}/leave
//	POST   /portfolios/{id}/transfer-ownership
//	POST   /portfolios/{id}/invitations
//	POST   /invitations/{token}/accept
//	GET    /portfolios/{id}/audit
//
// Liveness, readiness and metrics are served separately by NewOpsRouter.
package api
