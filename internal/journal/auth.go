package journal

import (
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

// AuthKind selects how an event is authorized.
type AuthKind string

const (
	AuthSingle    AuthKind = "single"
	AuthThreshold AuthKind = "threshold"
	AuthGuardian  AuthKind = "guardian"
	AuthSelf      AuthKind = "self"
)

// Authorization carries the signatures over an event's signing hash.
type Authorization struct {
	Kind       AuthKind    `json:"kind"`
	Signatures []Signature `json:"signatures"`
}

// Signature is one signer's Ed25519 signature. Exactly one of Device and
// Guardian is set.
type Signature struct {
	Device   ids.DeviceID   `json:"device,omitzero"`
	Guardian ids.GuardianID `json:"guardian,omitzero"`
	Sig      []byte         `json:"sig"`
}

// authPolicy is the set of authorization kinds a payload accepts.
type authPolicy uint8

const (
	// allowMember accepts a single signature from an active device, or a
	// threshold set.
	allowMember authPolicy = 1 << iota
	// allowThresholdOnly demands a threshold set.
	allowThresholdOnly
	// allowGuardian accepts a single signature from a registered guardian.
	allowGuardian
	// allowSelf accepts a signature by a key carried in the payload or in a
	// completed recovery.
	allowSelf
)

// selfKeyed payloads carry the public key that may self-sign them.
type selfKeyed interface {
	selfKey(st *AccountState) []byte
}

// verifyAuthorization checks e.Authorization against st and the payload's
// policy.
func verifyAuthorization(st *AccountState, e *Event) error {
	pol := e.Payload.policy()
	auth := e.Authorization
	if len(auth.Signatures) == 0 {
		return faults.TokenInvalid("event carries no signatures")
	}
	h, err := e.SigningHash()
	if err != nil {
		return faults.TokenInvalid(err.Error())
	}

	switch auth.Kind {
	case AuthSingle:
		if pol&allowMember == 0 {
			return faults.InsufficientPermissions(policyName(pol), "single signature")
		}
		sig := auth.Signatures[0]
		if sig.Device != e.Author {
			return faults.TokenInvalid("single signature is not by the author")
		}
		dev, ok := st.Devices[e.Author]
		if !ok || !dev.Active {
			return faults.InsufficientPermissions("active device", "unknown device "+e.Author.Short())
		}
		return crypto.Verify(dev.PublicKey, h[:], sig.Sig)

	case AuthThreshold:
		if pol&(allowMember|allowThresholdOnly) == 0 {
			return faults.InsufficientPermissions(policyName(pol), "threshold signatures")
		}
		valid := make(map[ids.DeviceID]bool)
		for _, sig := range auth.Signatures {
			dev, ok := st.Devices[sig.Device]
			if !ok || !dev.Active {
				continue
			}
			if crypto.Verify(dev.PublicKey, h[:], sig.Sig) == nil {
				valid[sig.Device] = true
			}
		}
		need := int(st.Threshold)
		if need < 1 {
			need = 1
		}
		if len(valid) < need {
			return faults.InsufficientPermissions(
				fmt.Sprintf("%d signatures", need),
				fmt.Sprintf("%d", len(valid)))
		}
		return nil

	case AuthGuardian:
		if pol&allowGuardian == 0 {
			return faults.InsufficientPermissions(policyName(pol), "guardian signature")
		}
		sig := auth.Signatures[0]
		g, ok := st.Guardians[sig.Guardian]
		if !ok {
			return faults.InsufficientPermissions("registered guardian", "unknown guardian")
		}
		return crypto.Verify(g.PublicKey, h[:], sig.Sig)

	case AuthSelf:
		if pol&allowSelf == 0 {
			return faults.InsufficientPermissions(policyName(pol), "self signature")
		}
		sk, ok := e.Payload.(selfKeyed)
		if !ok {
			return faults.TokenInvalid("payload carries no self key")
		}
		key := sk.selfKey(st)
		if len(key) == 0 {
			return faults.InsufficientPermissions("recovered or recovering device", "no key on record")
		}
		return crypto.Verify(key, h[:], auth.Signatures[0].Sig)
	}
	return faults.TokenInvalid(fmt.Sprintf("unknown authorization kind %q", auth.Kind))
}

func policyName(p authPolicy) string {
	var names []string
	if p&allowMember != 0 {
		names = append(names, "member")
	}
	if p&allowThresholdOnly != 0 {
		names = append(names, "threshold")
	}
	if p&allowGuardian != 0 {
		names = append(names, "guardian")
	}
	if p&allowSelf != 0 {
		names = append(names, "self")
	}
	if len(names) == 0 {
		return "none"
	}
	return fmt.Sprint(names)
}

func sortedDeviceKeys[V any](m map[ids.DeviceID]V) []ids.DeviceID {
	out := make([]ids.DeviceID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.SortFunc(out, ids.CompareDevices)
	return out
}
