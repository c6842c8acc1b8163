// Package token implements the tagged-index encoding the dispatcher stores
// in the poller's opaque per-source data (epoll_data / kevent udata).
//
// A token packs a 2-bit variant tag and a slot index into a single uint32:
// the low two bits select Listener, Incoming, Outgoing, or Wake; the remaining
// bits are the slot number within that variant's slab. Slot 0 is reserved
// as a sentinel meaning "never a real entity" and is never produced by
// Encode for a slab-backed slot, since slabs allocate starting at index 1.
package token

import "fmt"

// Variant identifies which slab a token's slot index refers to.
type Variant uint8

const (
	Listener Variant = 0
	Incoming Variant = 1
	Outgoing Variant = 2
	// Wake fills the fourth value the existing 2-bit tag space already
	// has room for, tagging the dispatcher's self-pipe so a
	// cross-goroutine Command can wake a blocked poller Wait. Its slot
	// is always 0; there is exactly one wake source per dispatcher.
	Wake Variant = 3
)

func (v Variant) String() string {
	switch v {
	case Listener:
		return "Listener"
	case Incoming:
		return "Incoming"
	case Outgoing:
		return "Outgoing"
	case Wake:
		return "Wake"
	default:
		return fmt.Sprintf("Variant(%d)", uint8(v))
	}
}

const (
	tagBits = 2
	tagMask = uint32(1)<<tagBits - 1

	// MaxSlot is the largest slot index that can be round-tripped through
	// Encode/Decode on a 32-bit token.
	MaxSlot = uint32(1)<<(32-tagBits) - 1
)

// Token is the opaque integer associated with a registered poller source.
type Token uint32

// Zero is the sentinel token: variant Listener, slot 0. No slab ever
// allocates slot 0, so a zero Token can be treated as "no entity" by
// callers that need a sentinel value (e.g. zero-initialized storage).
const Zero Token = 0

// Encode packs a variant and slot into a Token. It panics if slot exceeds
// MaxSlot; that is a programming error (slab capacities are always far
// smaller than MaxSlot), not a runtime condition to recover from.
func Encode(v Variant, slot uint32) Token {
	if slot > MaxSlot {
		panic(fmt.Sprintf("token: slot %d exceeds max %d", slot, MaxSlot))
	}
	return Token(uint32(v)&tagMask | slot<<tagBits)
}

// Decode unpacks a Token into its variant and slot. Decode is total over
// every value produced by Encode; all four tag values are used, so every
// 32-bit Token decodes to some variant and slot.
func Decode(t Token) (Variant, uint32) {
	return Variant(uint32(t) & tagMask), uint32(t) >> tagBits
}
