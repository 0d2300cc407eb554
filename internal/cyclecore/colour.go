package cyclecore

// Colour is the tri-colour-plus-tentative marking state packed into the low
// two bits of a ControlBlock's state word.
//
//	White — reachable, edges not yet (re-)examined by a running collection.
//	Grey  — reachable, discovered but its edges not yet processed.
//	Red   — refcount observed at zero; tentatively unreachable.
//	Black — confirmed unreachable; refcount is permanently zero.
type Colour uint8

const (
	White Colour = iota
	Grey
	Red
	Black
)

func (c Colour) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Red:
		return "red"
	case Black:
		return "black"
	default:
		return "colour(?)"
	}
}

// colourBits is the width reserved for Colour inside a packed state word.
const colourBits = 2
const colourMask = uint64(1)<<colourBits - 1

// packWord combines a strong refcount and a colour into one atomic word,
// matching the "packed refcount+colour" layout in the core design so that
// red-promotion, grey-demotion, and refcount changes are single-CAS.
func packWord(refs uint64, c Colour) uint64 {
	return refs<<colourBits | uint64(c)
}

// unpackWord splits a packed state word back into its refcount and colour.
func unpackWord(w uint64) (refs uint64, c Colour) {
	return w >> colourBits, Colour(w & colourMask)
}
