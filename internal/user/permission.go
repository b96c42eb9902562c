package user

import "strings"

// Permission is one flag of the user permission bitmask.
type Permission int64

const (
	// Invalid matches no permission.
	Invalid Permission = 0
	// SuperAdmin implies every permission test passes.
	SuperAdmin Permission = 1
	// Admin grants administrative operations.
	Admin Permission = 2
	// Job grants task submission and control of own tasks.
	Job Permission = 4
	// Reports grants access to usage reports of other users.
	Reports Permission = 8
)

// Has reports whether the bitmask satisfies the required permission.
// SuperAdmin implies all; otherwise the exact bit must be set.
func (p Permission) Has(required Permission) bool {
	if p&SuperAdmin != 0 {
		return true
	}
	return p&required != 0
}

// Intersects reports whether the bitmask contains any bit of the query.
// Used by user reports, where Invalid matches everything.
func (p Permission) Intersects(query Permission) bool {
	if query == Invalid {
		return true
	}
	return p&query != 0
}

// ParsePermission resolves a permission by name. Unknown names are Invalid.
func ParsePermission(name string) Permission {
	switch strings.ToLower(name) {
	case "superadmin", "super_admin":
		return SuperAdmin
	case "admin":
		return Admin
	case "job":
		return Job
	case "reports":
		return Reports
	default:
		return Invalid
	}
}

// String names the lowest set flag, or "invalid".
func (p Permission) String() string {
	switch {
	case p&SuperAdmin != 0:
		return "superadmin"
	case p&Admin != 0:
		return "admin"
	case p&Job != 0:
		return "job"
	case p&Reports != 0:
		return "reports"
	default:
		return "invalid"
	}
}
