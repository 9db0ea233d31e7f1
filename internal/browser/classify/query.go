package classify

import (
	"strings"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// Query selects elements by role and a case-insensitive label substring.
// Zero fields match anything.
type Query struct {
	Role  schemas.Role
	Label string
}

// Matches reports whether d satisfies the query.
func (q Query) Matches(d schemas.ElementDescriptor) bool {
	if q.Role != "" && !strings.EqualFold(string(q.Role), string(d.Role)) {
		return false
	}
	return q.Label == "" || strings.Contains(strings.ToLower(d.Label), strings.ToLower(q.Label))
}

// First returns the highest ranked match in ds, which must be sorted as
// Classify sorts.
func (q Query) First(ds []schemas.ElementDescriptor) (schemas.ElementDescriptor, bool) {
	for _, d := range ds {
		if q.Matches(d) {
			return d, true
		}
	}
	return schemas.ElementDescriptor{}, false
}

// ParseRole maps user input such as "textinput" or "TextInput" to a Role.
func ParseRole(s string) (schemas.Role, bool) {
	for _, r := range []schemas.Role{
		schemas.RoleButton, schemas.RoleTextInput, schemas.RoleLink, schemas.RoleCheckbox,
		schemas.RoleRadio, schemas.RoleSelect, schemas.RoleTab, schemas.RoleMenuItem,
		schemas.RoleImage, schemas.RoleUnknown,
	} {
		if strings.EqualFold(s, string(r)) {
			return r, true
		}
	}
	return "", false
}
