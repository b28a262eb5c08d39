package perm

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		grant  Grant
		action Action
		allow  bool
	}{
		{name: "read read", grant: GrantRead, action: ActionRead, allow: true},
		{name: "read comment", grant: GrantRead, action: ActionComment, allow: true},
		{name: "read write", grant: GrantRead, action: ActionWrite, allow: false},
		{name: "write read", grant: GrantWrite, action: ActionRead, allow: true},
		{name: "write write", grant: GrantWrite, action: ActionWrite, allow: true},
		{name: "unknown read", grant: Grant("admin"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.grant, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.grant, tc.action, got, tc.allow)
			}
		})
	}
}

func TestValid(t *testing.T) {
	for grant, want := range map[string]bool{"read": true, "write": true, "": false, "admin": false} {
		if got := Valid(grant); got != want {
			t.Errorf("Valid(%q) = %v, want %v", grant, got, want)
		}
	}
}
