package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/portfolio-authz/pkg/audit"
	"github.com/platinummonkey/portfolio-authz/pkg/middleware"
	"github.com/platinummonkey/portfolio-authz/pkg/observability"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
	"github.com/platinummonkey/portfolio-authz/pkg/storage/memory"
)

const (
	ownerID  int64 = 1
	adminID  int64 = 2
	viewerID int64 = 3
	outsider int64 = 99
)

type testEnv struct {
	t           *testing.T
	store       *memory.Store
	server      *Server
	portfolioID int64
	propertyA   int64
	propertyB   int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	authz := rbac.NewAuthorizer(store)
	env := &testEnv{
		t:     t,
		store: store,
		server: NewServer(Dependencies{
			Authorizer:  authz,
			Memberships: rbac.NewMembershipService(store, authz, audit.NewDBLogger(store)),
			Properties:  rbac.NewPropertyService(store, authz, nil),
			AuditReader: audit.NewReader(store, authz),
			Queries:     store,
		}),
	}

	var p rbac.Portfolio
	env.decode(env.do("POST", "/portfolios", ownerID, CreatePortfolioRequest{Name: "Harbor Row"}), http.StatusCreated, &p)
	env.portfolioID = p.ID

	var prop rbac.Property
	env.decode(env.do("POST", env.path("/properties"), ownerID, CreatePropertyRequest{Name: "12 Harbor Row"}), http.StatusCreated, &prop)
	env.propertyA = prop.ID
	env.decode(env.do("POST", env.path("/properties"), ownerID, CreatePropertyRequest{Name: "14 Harbor Row"}), http.StatusCreated, &prop)
	env.propertyB = prop.ID

	ctx := context.Background()
	require.NoError(t, store.CreateMembership(ctx, &rbac.Membership{UserID: adminID, PortfolioID: p.ID, Role: rbac.RoleAdmin}))
	require.NoError(t, store.CreateMembership(ctx, &rbac.Membership{
		UserID:         viewerID,
		PortfolioID:    p.ID,
		Role:           rbac.RoleViewer,
		PropertyAccess: rbac.PropertyAccess{env.propertyA: rbac.NewActionSet(rbac.PropertyView)},
	}))
	return env
}

func (e *testEnv) path(suffix string) string {
	return fmt.Sprintf("/portfolios/%d%s", e.portfolioID, suffix)
}

func (e *testEnv) do(method, path string, actor int64, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != 0 {
		req.Header.Set(UserIDHeader, strconv.FormatInt(actor, 10))
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func (e *testEnv) decode(w *httptest.ResponseRecorder, status int, dest interface{}) {
	e.t.Helper()
	require.Equal(e.t, status, w.Code, w.Body.String())
	if dest != nil {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), dest))
	}
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestActorMiddleware(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("GET", env.path("/permissions"), 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", env.path("/permissions"), nil)
	req.Header.Set(UserIDHeader, "-4")
	w = httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do("GET", "/nowhere", ownerID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPortfolioPermissions(t *testing.T) {
	env := newTestEnv(t)

	var perms rbac.PortfolioPermissions
	env.decode(env.do("GET", env.path("/permissions"), ownerID, nil), http.StatusOK, &perms)
	assert.Equal(t, rbac.RoleOwner, perms.Role)
	assert.Contains(t, perms.AllowedActions, rbac.ActionDeletePortfolio)

	env.decode(env.do("GET", env.path("/permissions"), viewerID, nil), http.StatusOK, &perms)
	assert.Equal(t, rbac.RoleViewer, perms.Role)
	assert.Equal(t, []rbac.PortfolioAction{rbac.ActionViewMembers}, perms.AllowedActions)
	assert.Empty(t, perms.AssignableRoles)

	w := env.do("GET", env.path("/permissions"), outsider, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_member", errorBody(t, w)["code"])

	w = env.do("GET", "/portfolios/abc/permissions", ownerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreatePortfolio_Validation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/portfolios", ownerID, CreatePortfolioRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorBody(t, w)["code"])

	w = env.do("POST", "/portfolios", ownerID, map[string]string{"title": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProperties(t *testing.T) {
	env := newTestEnv(t)

	var props PropertiesResponse
	env.decode(env.do("GET", env.path("/properties"), ownerID, nil), http.StatusOK, &props)
	assert.Equal(t, []int64{env.propertyA, env.propertyB}, props.PropertyIDs)

	env.decode(env.do("GET", env.path("/properties"), viewerID, nil), http.StatusOK, &props)
	assert.Equal(t, []int64{env.propertyA}, props.PropertyIDs)

	t.Run("capabilities on a visible property", func(t *testing.T) {
		var caps rbac.PropertyCapabilities
		env.decode(env.do("GET", env.path(fmt.Sprintf("/properties/%d/permissions", env.propertyA)), viewerID, nil), http.StatusOK, &caps)
		assert.True(t, caps.CanView)
		assert.False(t, caps.CanEdit)
	})

	t.Run("hidden property is not found", func(t *testing.T) {
		w := env.do("GET", env.path(fmt.Sprintf("/properties/%d/permissions", env.propertyB)), viewerID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_visible", errorBody(t, w)["code"])
	})

	t.Run("unknown property is not found", func(t *testing.T) {
		w := env.do("GET", env.path("/properties/12345/permissions"), ownerID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("viewer cannot create", func(t *testing.T) {
		w := env.do("POST", env.path("/properties"), viewerID, CreatePropertyRequest{Name: "Annex"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "insufficient_role", errorBody(t, w)["reason"])
	})

	t.Run("delete hidden property is not found", func(t *testing.T) {
		w := env.do("DELETE", env.path(fmt.Sprintf("/properties/%d", env.propertyB)), viewerID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("owner deletes", func(t *testing.T) {
		w := env.do("DELETE", env.path(fmt.Sprintf("/properties/%d", env.propertyB)), ownerID, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		env.decode(env.do("GET", env.path("/properties"), ownerID, nil), http.StatusOK, &props)
		assert.Equal(t, []int64{env.propertyA}, props.PropertyIDs)
	})
}

func TestAuthorizeEndpoint(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		actor   int64
		body    AuthorizeRequest
		allowed bool
		reason  rbac.DenyReason
	}{
		{
			name:    "viewer views granted property",
			actor:   viewerID,
			body:    AuthorizeRequest{PropertyID: &env.propertyA, PropertyAction: "view"},
			allowed: true,
		},
		{
			name:   "viewer edits granted property",
			actor:  viewerID,
			body:   AuthorizeRequest{PropertyID: &env.propertyA, PropertyAction: "edit"},
			reason: rbac.ReasonActionNotGranted,
		},
		{
			name:   "viewer views hidden property",
			actor:  viewerID,
			body:   AuthorizeRequest{PropertyID: &env.propertyB, PropertyAction: "view"},
			reason: rbac.ReasonPropertyNotVisible,
		},
		{
			name:    "admin removes viewer",
			actor:   adminID,
			body:    AuthorizeRequest{Action: "remove_members", TargetUserID: ptr(viewerID)},
			allowed: true,
		},
		{
			name:   "admin removes owner",
			actor:  adminID,
			body:   AuthorizeRequest{Action: "remove_members", TargetUserID: ptr(ownerID)},
			reason: rbac.ReasonTargetIsOwner,
		},
		{
			name:   "admin removes non-member",
			actor:  adminID,
			body:   AuthorizeRequest{Action: "remove_members", TargetUserID: ptr(outsider)},
			reason: rbac.ReasonTargetNotMember,
		},
		{
			name:   "admin grants admin",
			actor:  adminID,
			body:   AuthorizeRequest{Action: "invite_members", NewRole: strPtr("admin")},
			reason: rbac.ReasonRoleNotAssignable,
		},
		{
			name:   "outsider",
			actor:  outsider,
			body:   AuthorizeRequest{Action: "view_members"},
			reason: rbac.ReasonNotMember,
		},
		{
			name:   "empty request",
			actor:  ownerID,
			body:   AuthorizeRequest{},
			reason: rbac.ReasonInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp AuthorizeResponse
			env.decode(env.do("POST", env.path("/authorize"), tt.actor, tt.body), http.StatusOK, &resp)
			assert.Equal(t, tt.allowed, resp.Allowed)
			assert.Equal(t, tt.reason, resp.Reason)
			if !tt.allowed {
				assert.NotEmpty(t, resp.Message)
			}
		})
	}

	t.Run("unknown action is a bad request", func(t *testing.T) {
		w := env.do("POST", env.path("/authorize"), ownerID, AuthorizeRequest{Action: "launch"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "action", errorBody(t, w)["field"])
	})
}

func TestInvitationFlow(t *testing.T) {
	env := newTestEnv(t)
	const invitee int64 = 7

	var inv InvitationResponse
	env.decode(env.do("POST", env.path("/invitations"), adminID, map[string]interface{}{
		"email":           "New.Member@Example.com",
		"role":            "member",
		"property_access": map[string][]string{strconv.FormatInt(env.propertyA, 10): {"view", "edit"}},
	}), http.StatusCreated, &inv)
	assert.Equal(t, "new.member@example.com", inv.Email)
	assert.Equal(t, rbac.RoleMember, inv.Role)
	require.NotEmpty(t, inv.Token)

	var m rbac.Membership
	env.decode(env.do("POST", "/invitations/"+inv.Token+"/accept", invitee, nil), http.StatusCreated, &m)
	assert.Equal(t, invitee, m.UserID)
	assert.Equal(t, rbac.RoleMember, m.Role)
	assert.True(t, m.PropertyAccess[env.propertyA].Has(rbac.PropertyEdit))

	w := env.do("POST", "/invitations/"+inv.Token+"/accept", 8, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("POST", "/invitations/no-such-token/accept", 8, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	t.Run("invalid role", func(t *testing.T) {
		w := env.do("POST", env.path("/invitations"), adminID, map[string]string{"email": "a@example.com", "role": "superuser"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "role", errorBody(t, w)["field"])
	})

	t.Run("viewer cannot invite", func(t *testing.T) {
		w := env.do("POST", env.path("/invitations"), viewerID, map[string]string{"email": "a@example.com", "role": "viewer"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin cannot invite an admin", func(t *testing.T) {
		w := env.do("POST", env.path("/invitations"), adminID, map[string]string{"email": "a@example.com", "role": "admin"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "role_not_assignable", errorBody(t, w)["reason"])
	})
}

func TestMemberManagement(t *testing.T) {
	env := newTestEnv(t)

	var members MembersResponse
	env.decode(env.do("GET", env.path("/members"), viewerID, nil), http.StatusOK, &members)
	require.Len(t, members.Members, 3)
	assert.Equal(t, ownerID, members.Members[0].UserID)

	t.Run("admin cannot change owner", func(t *testing.T) {
		w := env.do("PUT", env.path(fmt.Sprintf("/members/%d/role", ownerID)), adminID, ChangeRoleRequest{Role: "viewer"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "target_is_owner", errorBody(t, w)["reason"])
	})

	t.Run("admin promotes viewer", func(t *testing.T) {
		var m rbac.Membership
		env.decode(env.do("PUT", env.path(fmt.Sprintf("/members/%d/role", viewerID)), adminID, ChangeRoleRequest{Role: "member"}), http.StatusOK, &m)
		assert.Equal(t, rbac.RoleMember, m.Role)
	})

	t.Run("revoke every property", func(t *testing.T) {
		var m rbac.Membership
		env.decode(env.do("PUT", env.path(fmt.Sprintf("/members/%d/property-access", viewerID)), adminID,
			map[string]interface{}{"property_access": map[string][]string{}}), http.StatusOK, &m)
		require.NotNil(t, m.PropertyAccess)
		assert.Empty(t, m.PropertyAccess)

		var props PropertiesResponse
		env.decode(env.do("GET", env.path("/properties"), viewerID, nil), http.StatusOK, &props)
		assert.Empty(t, props.PropertyIDs)
	})

	t.Run("clear override", func(t *testing.T) {
		env.decode(env.do("PUT", env.path(fmt.Sprintf("/members/%d/property-access", viewerID)), adminID,
			map[string]interface{}{"property_access": nil}), http.StatusOK, nil)

		var props PropertiesResponse
		env.decode(env.do("GET", env.path("/properties"), viewerID, nil), http.StatusOK, &props)
		assert.Len(t, props.PropertyIDs, 2)
	})

	t.Run("owner cannot leave", func(t *testing.T) {
		w := env.do("POST", env.path("/leave"), ownerID, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "owner_cannot_leave", errorBody(t, w)["reason"])
	})

	t.Run("remove and leave", func(t *testing.T) {
		w := env.do("DELETE", env.path(fmt.Sprintf("/members/%d", viewerID)), adminID, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = env.do("POST", env.path("/leave"), viewerID, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "not_member", errorBody(t, w)["code"])

		w = env.do("POST", env.path("/leave"), adminID, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestTransferOwnership(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", env.path("/transfer-ownership"), adminID, TransferOwnershipRequest{NewOwnerID: viewerID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do("POST", env.path("/transfer-ownership"), ownerID, TransferOwnershipRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("POST", env.path("/transfer-ownership"), ownerID, TransferOwnershipRequest{NewOwnerID: adminID})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	var perms rbac.PortfolioPermissions
	env.decode(env.do("GET", env.path("/permissions"), adminID, nil), http.StatusOK, &perms)
	assert.Equal(t, rbac.RoleOwner, perms.Role)
	env.decode(env.do("GET", env.path("/permissions"), ownerID, nil), http.StatusOK, &perms)
	assert.Equal(t, rbac.RoleAdmin, perms.Role)
}

func TestAuditEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.decode(env.do("PUT", env.path(fmt.Sprintf("/members/%d/role", viewerID)), adminID, ChangeRoleRequest{Role: "member"}), http.StatusOK, nil)
	env.decode(env.do("DELETE", env.path(fmt.Sprintf("/members/%d", viewerID)), adminID, nil), http.StatusNoContent, nil)

	var resp AuditResponse
	env.decode(env.do("GET", env.path("/audit"), adminID, nil), http.StatusOK, &resp)
	require.Len(t, resp.Entries, 3)
	assert.Equal(t, rbac.AuditAccessRevoked, resp.Entries[0].Action)

	env.decode(env.do("GET", env.path(fmt.Sprintf("/audit?user_id=%d&action=role_change&limit=1", viewerID)), adminID, nil), http.StatusOK, &resp)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, rbac.AuditRoleChange, resp.Entries[0].Action)

	t.Run("csv export", func(t *testing.T) {
		w := env.do("GET", env.path("/audit?format=csv"), ownerID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
		records, err := csv.NewReader(w.Body).ReadAll()
		require.NoError(t, err)
		assert.Len(t, records, 4)
	})

	t.Run("non-member is denied", func(t *testing.T) {
		w := env.do("GET", env.path("/audit"), outsider, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "not_member", errorBody(t, w)["code"])
	})

	t.Run("bad filters", func(t *testing.T) {
		for _, query := range []string{"?format=xml", "?limit=5000", "?action=deleted", "?user_id=abc"} {
			w := env.do("GET", env.path("/audit"+query), ownerID, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, query)
		}
	})
}

func TestOpsRouter(t *testing.T) {
	health := observability.NewHealthChecker("test")
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	metrics.RecordInvitationsSwept(2)
	router := NewOpsRouter(health, metrics)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestRateLimitedServer(t *testing.T) {
	store := memory.NewStore()
	authz := rbac.NewAuthorizer(store)
	server := NewServer(Dependencies{
		Authorizer:  authz,
		Memberships: rbac.NewMembershipService(store, authz, audit.NewDBLogger(store)),
		Properties:  rbac.NewPropertyService(store, authz, nil),
		AuditReader: audit.NewReader(store, authz),
		Queries:     store,
		RateLimiter: middleware.NewLocalLimiter(&middleware.RateLimitConfig{
			RequestsPerWindow: 2,
			WindowDuration:    time.Hour,
		}),
	})

	call := func(actor int64) int {
		req := httptest.NewRequest("GET", "/portfolios/1/permissions", nil)
		req.Header.Set(UserIDHeader, strconv.FormatInt(actor, 10))
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, call(ownerID))
	assert.Equal(t, http.StatusForbidden, call(ownerID))
	assert.Equal(t, http.StatusTooManyRequests, call(ownerID))
	assert.Equal(t, http.StatusForbidden, call(adminID), "limits are per user")
}

func ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }
