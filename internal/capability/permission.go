// Package capability manages signed capability tokens: granting, verifying
// a required permission against a device's tokens, delegating attenuated
// children and revoking whole delegation subtrees.
package capability

import (
	"fmt"
	"strings"
)

// Class groups permissions by what they guard.
type Class string

const (
	ClassStorage       Class = "storage"
	ClassCommunication Class = "communication"
	ClassRelay         Class = "relay"
)

const (
	OpRead           = "read"
	OpWrite          = "write"
	OpDelete         = "delete"
	OpProofOfStorage = "proof_of_storage"

	OpSend    = "send"
	OpReceive = "receive"
	OpRelay   = "relay"

	OpForward = "forward"
)

// Wildcard matches any storage resource or communication relationship.
const Wildcard = "*"

// Permission is one grantable right. Scope is the storage resource, the
// communication relationship or the relay trust level depending on Class.
type Permission struct {
	Class Class  `json:"class"`
	Op    string `json:"op"`
	Scope string `json:"scope"`
}

func Storage(op, resource string) Permission {
	return Permission{Class: ClassStorage, Op: op, Scope: resource}
}

func Communication(op, relationship string) Permission {
	return Permission{Class: ClassCommunication, Op: op, Scope: relationship}
}

func Relay(op, trustLevel string) Permission {
	return Permission{Class: ClassRelay, Op: op, Scope: trustLevel}
}

// Covers reports whether holding p satisfies need. Relay trust levels
// compare lexicographically: a granted level covers any level at or below
// it.
func (p Permission) Covers(need Permission) bool {
	if p.Class != need.Class || p.Op != need.Op {
		return false
	}
	switch p.Class {
	case ClassStorage, ClassCommunication:
		return p.Scope == Wildcard || p.Scope == need.Scope
	case ClassRelay:
		return need.Scope <= p.Scope
	}
	return false
}

func (p Permission) String() string {
	return string(p.Class) + ":" + p.Op + ":" + p.Scope
}

// ParsePermission reads the "class:op:scope" form String produces. The
// scope may itself contain colons.
func ParsePermission(s string) (Permission, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[1] == "" {
		return Permission{}, fmt.Errorf("permission %q: want class:op:scope", s)
	}
	p := Permission{Class: Class(parts[0]), Op: parts[1], Scope: parts[2]}
	switch p.Class {
	case ClassStorage, ClassCommunication, ClassRelay:
		return p, nil
	}
	return Permission{}, fmt.Errorf("permission %q: unknown class %q", s, parts[0])
}

// coveredBy reports whether every permission in need is covered by one in
// have.
func coveredBy(need, have []Permission) bool {
	for _, n := range need {
		ok := false
		for _, h := range have {
			if h.Covers(n) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}
