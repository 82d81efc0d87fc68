package rbac

import "testing"

func TestCan(t *testing.T) {
	tests := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionAdmin, true},
		{RoleAdmin, ActionWrite, true},
		{RoleMember, ActionWrite, true},
		{RoleMember, ActionAdmin, false},
		{RoleCommenter, ActionComment, true},
		{RoleCommenter, ActionWrite, false},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionComment, false},
		{Role("bogus"), ActionRead, false},
	}
	for _, tt := range tests {
		if got := Can(tt.role, tt.action); got != tt.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast(RoleAdmin, RoleViewer) {
		t.Error("admin should satisfy viewer")
	}
	if !AtLeast(RoleMember, RoleMember) {
		t.Error("member should satisfy member")
	}
	if AtLeast(RoleCommenter, RoleMember) {
		t.Error("commenter should not satisfy member")
	}
	if AtLeast(Role("bogus"), RoleViewer) {
		t.Error("unknown role should satisfy nothing")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("ADMIN") != RoleAdmin {
		t.Error("ADMIN should normalize to itself")
	}
	if Normalize("owner") != RoleViewer {
		t.Error("unknown roles fall back to viewer")
	}
}
