package journal

import (
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/lattice"
)

// Journal is the semilattice part of an account's journal: the facts it
// knows and the capabilities it holds.
type Journal struct {
	Facts lattice.Fact `json:"facts"`
	Caps  lattice.Cap  `json:"caps"`

	// Required lists permissions a refinement may never remove.
	Required []string `json:"required,omitempty"`

	// Rejections records refinements that would have removed a required
	// permission. Deduplicated by restriction hash.
	Rejections []Rejection `json:"rejections,omitempty"`
}

// Rejection is a refinement that was refused.
type Rejection struct {
	Restriction lattice.Cap    `json:"restriction"`
	Digest      canonical.Hash `json:"digest"`
	Missing     []string       `json:"missing"`
}

// NewJournal returns an empty journal holding caps.
func NewJournal(caps lattice.Cap, required ...string) Journal {
	return Journal{Facts: lattice.Fact{}, Caps: caps, Required: slices.Clone(required)}
}

// MergeFacts joins delta's facts into base. Capabilities and rejections are
// joined too, so the operation stays a semilattice join on the whole value.
func MergeFacts(base, delta Journal) Journal {
	out := Journal{
		Facts:    base.Facts.Join(delta.Facts),
		Caps:     base.Caps.Join(delta.Caps),
		Required: unionStrings(base.Required, delta.Required),
	}
	out.Rejections = slices.Clone(base.Rejections)
	for _, r := range delta.Rejections {
		out.Rejections = addRejection(out.Rejections, r)
	}
	return out
}

// RefineCaps meets base's capabilities with restriction. If the meet would
// drop a required permission, base is returned unchanged with the attempt
// recorded in Rejections.
func RefineCaps(base, restriction Journal) Journal {
	return RefineCap(base, restriction.Caps)
}

// RefineCap is RefineCaps with a bare capability restriction.
func RefineCap(base Journal, restriction lattice.Cap) Journal {
	met := base.Caps.Meet(restriction)
	var missing []string
	for _, p := range base.Required {
		if base.Caps.HasPermission(p) && !met.HasPermission(p) {
			missing = append(missing, p)
		}
	}
	out := Journal{
		Facts:      base.Facts.Clone(),
		Caps:       met,
		Required:   slices.Clone(base.Required),
		Rejections: slices.Clone(base.Rejections),
	}
	if len(missing) > 0 {
		out.Caps = base.Caps
		out.Rejections = addRejection(out.Rejections, Rejection{
			Restriction: restriction,
			Digest:      restrictionDigest(restriction),
			Missing:     missing,
		})
	}
	return out
}

// Equal compares two journals structurally.
func (j Journal) Equal(o Journal) bool {
	if !j.Facts.Equal(o.Facts) || !j.Caps.Equal(o.Caps) || !slices.Equal(j.Required, o.Required) {
		return false
	}
	return slices.EqualFunc(j.Rejections, o.Rejections, func(a, b Rejection) bool {
		return a.Digest == b.Digest
	})
}

func (j Journal) clone() Journal {
	return Journal{
		Facts:      j.Facts.Clone(),
		Caps:       j.Caps,
		Required:   slices.Clone(j.Required),
		Rejections: slices.Clone(j.Rejections),
	}
}

func restrictionDigest(c lattice.Cap) canonical.Hash {
	h, err := canonical.Of("aura/restriction/v1", c)
	if err != nil {
		return canonical.ZeroHash
	}
	return h
}

func addRejection(list []Rejection, r Rejection) []Rejection {
	for _, existing := range list {
		if existing.Digest == r.Digest {
			return list
		}
	}
	out := append(list, r)
	slices.SortFunc(out, func(a, b Rejection) int { return compareHash(a.Digest, b.Digest) })
	return out
}

func unionStrings(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
