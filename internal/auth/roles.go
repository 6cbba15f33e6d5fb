package auth

// Permission is a capability bitmask carried by a role.
type Permission uint8

const (
	PermFollow           Permission = 0x01
	PermAPIRead          Permission = 0x02
	PermAPIWrite         Permission = 0x04
	PermViewResearchData Permission = 0x08
	PermDelete           Permission = 0x10
	PermAdminister       Permission = 0x80
)

// Normalize applies implied capabilities. Delete implies Administer, which
// keeps stored legacy masks of 0x90 equivalent to Delete.
func Normalize(p Permission) Permission {
	if p&PermDelete != 0 {
		p |= PermAdminister
	}
	return p
}

// Has reports whether every bit of want is granted.
func (p Permission) Has(want Permission) bool {
	return Normalize(p)&want == want
}

// Role is a named permission set assigned to users.
type Role struct {
	Name        string
	Permissions Permission
	Default     bool
}

// Roles lists the seeded roles.
var Roles = []Role{
	{Name: "User", Permissions: PermFollow | PermAPIRead, Default: true},
	{Name: "Node", Permissions: PermFollow | PermAPIWrite | PermAPIRead},
	{Name: "Researcher", Permissions: PermFollow | PermAPIRead | PermViewResearchData},
	{Name: "Manager", Permissions: PermFollow | PermAPIRead | PermAdminister | PermViewResearchData | PermAPIWrite},
	{Name: "Administrator", Permissions: 0xff},
}

// Groups lists the seeded groups.
var Groups = []string{"Public", "Tata", "Trex2017", "USHA", "UT-Austin"}

// LookupRole finds a role by name.
func LookupRole(name string) (Role, bool) {
	for _, role := range Roles {
		if role.Name == name {
			return role, true
		}
	}
	return Role{}, false
}

// DefaultRole returns the role assigned to new users.
func DefaultRole() Role {
	for _, role := range Roles {
		if role.Default {
			return role
		}
	}
	return Roles[0]
}

// DevicePermissions are granted to instrument-owned credentials.
const DevicePermissions = PermFollow | PermAPIRead | PermAPIWrite
