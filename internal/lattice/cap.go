package lattice

import (
	"slices"
	"strings"
)

// Wildcard matches every permission or resource.
const Wildcard = "*"

// Window bounds a capability in Unix milliseconds. Zero means unbounded on
// that side.
type Window struct {
	NotBefore int64 `json:"not_before,omitempty"`
	NotAfter  int64 `json:"not_after,omitempty"`
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts int64) bool {
	if w.NotBefore != 0 && ts < w.NotBefore {
		return false
	}
	if w.NotAfter != 0 && ts > w.NotAfter {
		return false
	}
	return true
}

// Cap is a set of permissions over a set of resource scopes within a
// validity window. Slices are kept sorted and unique.
type Cap struct {
	Permissions []string `json:"permissions,omitempty"`
	Resources   []string `json:"resources,omitempty"`
	Window      Window   `json:"window"`
}

// NewCap normalizes its inputs.
func NewCap(perms, resources []string) Cap {
	return Cap{Permissions: normalize(perms), Resources: normalize(resources)}
}

// TopCap grants everything, everywhere, forever.
func TopCap() Cap {
	return Cap{Permissions: []string{Wildcard}, Resources: []string{Wildcard}}
}

// Join is the union of permissions and resources with the widest window.
func (c Cap) Join(o Cap) Cap {
	return Cap{
		Permissions: joinSet(c.Permissions, o.Permissions),
		Resources:   joinSet(c.Resources, o.Resources),
		Window:      widen(c.Window, o.Window),
	}
}

// Meet is the intersection with the narrowest window. A wildcard on one side
// yields the other side's members.
func (c Cap) Meet(o Cap) Cap {
	return Cap{
		Permissions: meetSet(c.Permissions, o.Permissions),
		Resources:   meetSet(c.Resources, o.Resources),
		Window:      narrow(c.Window, o.Window),
	}
}

// Covers reports c ⊓ need = need over permissions and resources. Windows are
// checked separately with ValidAt because a requirement rarely carries one.
func (c Cap) Covers(need Cap) bool {
	m := Cap{
		Permissions: meetSet(c.Permissions, need.Permissions),
		Resources:   meetSet(c.Resources, need.Resources),
	}
	return slices.Equal(m.Permissions, normalize(need.Permissions)) &&
		slices.Equal(m.Resources, normalize(need.Resources))
}

// Allows reports whether c grants a single permission on a resource.
func (c Cap) Allows(perm, resource string) bool {
	return c.Covers(NewCap([]string{perm}, []string{resource}))
}

func (c Cap) ValidAt(ts int64) bool { return c.Window.Contains(ts) }

func (c Cap) IsEmpty() bool { return len(c.Permissions) == 0 }

func (c Cap) Equal(o Cap) bool {
	return slices.Equal(c.Permissions, o.Permissions) &&
		slices.Equal(c.Resources, o.Resources) && c.Window == o.Window
}

// HasPermission reports membership, honouring a wildcard grant.
func (c Cap) HasPermission(p string) bool {
	return slices.Contains(c.Permissions, Wildcard) || slices.Contains(c.Permissions, p)
}

func (c Cap) String() string {
	return "{" + strings.Join(c.Permissions, ",") + " @ " + strings.Join(c.Resources, ",") + "}"
}

func joinSet(a, b []string) []string {
	if slices.Contains(a, Wildcard) || slices.Contains(b, Wildcard) {
		return []string{Wildcard}
	}
	return normalize(append(slices.Clone(a), b...))
}

func meetSet(a, b []string) []string {
	aw, bw := slices.Contains(a, Wildcard), slices.Contains(b, Wildcard)
	switch {
	case aw && bw:
		return []string{Wildcard}
	case aw:
		return normalize(b)
	case bw:
		return normalize(a)
	}
	var out []string
	for _, x := range a {
		if slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return normalize(out)
}

func widen(a, b Window) Window {
	var w Window
	if a.NotBefore != 0 && b.NotBefore != 0 {
		w.NotBefore = min(a.NotBefore, b.NotBefore)
	}
	if a.NotAfter != 0 && b.NotAfter != 0 {
		w.NotAfter = max(a.NotAfter, b.NotAfter)
	}
	return w
}

func narrow(a, b Window) Window {
	w := Window{NotBefore: max(a.NotBefore, b.NotBefore)}
	switch {
	case a.NotAfter == 0:
		w.NotAfter = b.NotAfter
	case b.NotAfter == 0:
		w.NotAfter = a.NotAfter
	default:
		w.NotAfter = min(a.NotAfter, b.NotAfter)
	}
	return w
}
