package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanManageRole(t *testing.T) {
	for _, r1 := range AllRoles() {
		if CanManageRole(r1, r1) {
			t.Errorf("CanManageRole(%s, %s) should be false", r1, r1)
		}
		for _, r2 := range AllRoles() {
			if r1 <= r2 {
				continue
			}
			if !CanManageRole(r1, r2) {
				t.Errorf("CanManageRole(%s, %s) should be true", r1, r2)
			}
			if CanManageRole(r2, r1) {
				t.Errorf("CanManageRole(%s, %s) should be false", r2, r1)
			}
		}
	}

	if CanManageRole(Role(9), RoleViewer) {
		t.Error("unknown actor role must not manage anyone")
	}
}

func TestAssignableRoles(t *testing.T) {
	tests := []struct {
		actor Role
		want  []Role
	}{
		{RoleOwner, []Role{RoleAdmin, RoleMember, RoleViewer}},
		{RoleAdmin, []Role{RoleMember, RoleViewer}},
		{RoleMember, []Role{}},
		{RoleViewer, []Role{}},
		{Role(42), []Role{}},
	}

	for _, tt := range tests {
		t.Run(tt.actor.String(), func(t *testing.T) {
			got := AssignableRoles(tt.actor)
			assert.Equal(t, tt.want, got)
			for _, r := range got {
				assert.NotEqual(t, RoleOwner, r)
				assert.True(t, CanAssignRole(tt.actor, r))
			}
		})
	}

	assert.False(t, CanAssignRole(RoleAdmin, RoleAdmin))
	assert.False(t, CanAssignRole(RoleOwner, RoleOwner))
}

func TestRole_Display(t *testing.T) {
	for _, r := range AllRoles() {
		assert.NotEmpty(t, r.String())
		assert.NotEmpty(t, r.DisplayName())
		assert.NotEmpty(t, r.Description())

		parsed, err := ParseRole(r.DisplayName())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}

	_, err := ParseRole("superuser")
	assert.Error(t, err)
	assert.Equal(t, "Role(7)", Role(7).String())
}

func TestRole_DefaultActions(t *testing.T) {
	assert.Equal(t, AllPropertyActions, RoleOwner.DefaultActions())
	assert.Equal(t, AllPropertyActions, RoleAdmin.DefaultActions())
	assert.Equal(t, NewActionSet(PropertyView, PropertyEdit), RoleMember.DefaultActions())
	assert.Equal(t, NewActionSet(PropertyView), RoleViewer.DefaultActions())
}

func TestRole_JSONAndSQL(t *testing.T) {
	data, err := json.Marshal(map[string]Role{"role": RoleAdmin})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"admin"}`, string(data))

	var decoded struct {
		Role Role `json:"role"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"role":"viewer"}`), &decoded))
	assert.Equal(t, RoleViewer, decoded.Role)
	assert.Error(t, json.Unmarshal([]byte(`{"role":"root"}`), &decoded))

	v, err := RoleMember.Value()
	require.NoError(t, err)
	assert.Equal(t, "member", v)

	var scanned Role
	require.NoError(t, scanned.Scan([]byte("owner")))
	assert.Equal(t, RoleOwner, scanned)
	assert.Error(t, scanned.Scan(3))
}

func TestActionSet(t *testing.T) {
	s := NewActionSet(PropertyEdit, PropertyView)
	assert.True(t, s.Has(PropertyView))
	assert.False(t, s.Has(PropertyDelete))
	assert.Equal(t, []string{"view", "edit"}, s.Strings())
	assert.False(t, s.Empty())
	assert.True(t, ActionSet(0).Empty())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["view","edit"]`, string(data))

	var decoded ActionSet
	require.NoError(t, json.Unmarshal([]byte(`["manage","delete"]`), &decoded))
	assert.Equal(t, NewActionSet(PropertyManage, PropertyDelete), decoded)
	assert.Error(t, json.Unmarshal([]byte(`["fly"]`), &decoded))
}

func TestPortfolioActions_Thresholds(t *testing.T) {
	want := map[PortfolioAction]Role{
		ActionEditPortfolio:     RoleAdmin,
		ActionDeletePortfolio:   RoleOwner,
		ActionInviteMembers:     RoleAdmin,
		ActionChangeMemberRoles: RoleAdmin,
		ActionRemoveMembers:     RoleAdmin,
		ActionViewMembers:       RoleViewer,
	}
	require.Len(t, PortfolioActions(), len(want))
	for _, a := range PortfolioActions() {
		got, ok := a.MinimumRole()
		require.True(t, ok, a)
		assert.Equal(t, want[a], got, a)
	}

	_, err := ParsePortfolioAction("launch_missiles")
	assert.Error(t, err)
}
