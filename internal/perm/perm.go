// Package perm maps note-share grants to the actions they allow.
package perm

type Grant string
type Action string

const (
	GrantRead  Grant = "read"
	GrantWrite Grant = "write"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
)

func Can(grant Grant, action Action) bool {
	switch grant {
	case GrantWrite:
		return true
	case GrantRead:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// Valid reports whether the string names a known grant. Unknown grants are
// rejected rather than downgraded so a typo in a share request surfaces.
func Valid(grant string) bool {
	switch Grant(grant) {
	case GrantRead, GrantWrite:
		return true
	default:
		return false
	}
}
