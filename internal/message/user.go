package message

import "strings"

// User is the authenticated principal attached to a message. Fields holds
// arbitrary profile values addressable by "{field}" role tokens.
type User struct {
	Email  string         `json:"email,omitempty"`
	Roles  string         `json:"roles,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// AnonUser is the principal of unauthenticated requests.
func AnonUser() *User {
	return &User{}
}

// IsAnon reports whether no identity is present.
func (u *User) IsAnon() bool {
	return u == nil || u.Email == ""
}

// RoleList splits the space separated roles.
func (u *User) RoleList() []string {
	if u == nil {
		return nil
	}
	return strings.Fields(u.Roles)
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.RoleList() {
		if r == role {
			return true
		}
	}
	return false
}

// Field returns a profile value as text. "email" and "roles" are always
// addressable.
func (u *User) Field(name string) (string, bool) {
	if u == nil {
		return "", false
	}
	switch name {
	case "email":
		return u.Email, u.Email != ""
	case "roles":
		return u.Roles, u.Roles != ""
	}
	v, ok := u.Fields[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, s != ""
}

// Copy returns a copy safe to mutate.
func (u *User) Copy() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Fields != nil {
		c.Fields = make(map[string]any, len(u.Fields))
		for k, v := range u.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}
