package engine

import (
	"strings"

	"github.com/google/uuid"
)

// The fragment fits inside the final 12-character uuid group, so an encoded
// reference still parses as a uuid.
const tagFragmentLength = 8

// OrderTag is the rule-owned fragment embedded into broker order reference
// ids. The broker has no native per-rule order grouping, so ownership is
// recovered by suffix match on the free-text ref_id field.
type OrderTag string

// NewOrderTag returns a fresh random fragment for a rule.
func NewOrderTag() OrderTag {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return OrderTag(id[len(id)-tagFragmentLength:])
}

// Encode embeds the fragment into a random uuid.
func (t OrderTag) Encode() string {
	id := uuid.NewString()
	if t == "" || len(t) >= len(id) {
		return id
	}
	return id[:len(id)-len(t)] + string(t)
}

// BelongsTo reports whether a broker order reference was produced by Encode
// with this fragment.
func (t OrderTag) BelongsTo(orderRef string) bool {
	return t != "" && strings.HasSuffix(orderRef, string(t))
}
