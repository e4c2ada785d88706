package auth

import "fmt"

// Permission is an access level on the guard API.
type Permission int

const (
	PermissionNone  Permission = iota
	PermissionRead             // inspect sessions
	PermissionWrite            // admit, captcha, open and close sessions
	PermissionAdmin            // reset principals, import wallets, maintenance
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParsePermission converts a role or config string to a Permission.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "none":
		return PermissionNone, nil
	case "read":
		return PermissionRead, nil
	case "write":
		return PermissionWrite, nil
	case "admin":
		return PermissionAdmin, nil
	default:
		return PermissionNone, fmt.Errorf("unknown permission %q (want none, read, write or admin)", s)
	}
}

// resolvePermission returns the highest permission named in roles, or def
// when no role is recognized.
func resolvePermission(roles []string, def Permission) Permission {
	best := PermissionNone
	matched := false
	for _, r := range roles {
		p, err := ParsePermission(r)
		if err != nil {
			continue
		}
		matched = true
		if p > best {
			best = p
		}
	}
	if !matched {
		return def
	}
	return best
}
