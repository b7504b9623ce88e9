package tier0

import (
	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
)

// The compiled code follows the Microsoft x64 convention the host kernel
// uses: four integer argument registers, four float registers by position,
// a 32-byte shadow area the callee owns, RAX (and RDX for medium structs)
// for results.
var (
	intArgRegisters   = []asm.Register{amd64.REG_CX, amd64.REG_DX, amd64.REG_R8, amd64.REG_R9}
	floatArgRegisters = []asm.Register{amd64.REG_X0, amd64.REG_X1, amd64.REG_X2, amd64.REG_X3}
)

const (
	// shadowSpaceBytes is the callee-owned home area below the return
	// address.
	shadowSpaceBytes = 32

	// argsHomeOffset is the RBP-relative offset of argument unit 0's home
	// slot in the callee: [saved RBP][return address][home area...].
	argsHomeOffset = 16
)

// classifyReturn maps a return-value byte size (and GC-reference content) to
// its RetKind. Float returns are classified by the caller from the
// signature, not here.
func classifyReturn(size uint32, hasGCRef bool) RetKind {
	switch {
	case size == 0:
		return RetVoid
	case size <= 8:
		return RetSmallStructInRax
	case size <= 16 && !hasGCRef:
		return RetMediumStructInRaxRdx
	default:
		return RetHiddenBuffer
	}
}

// slotsOf returns how many eight-byte stack slots a byte size occupies.
func slotsOf(size uint32) int {
	return int(size+7) / 8
}

// alignTo rounds v up to the given power-of-two alignment.
func alignTo(v, align int64) int64 {
	return (v + align - 1) &^ (align - 1)
}

// argUnit is one qword position in the flattened argument sequence: the
// first four units ride in registers, the rest in stack slots above the
// shadow area.
type argUnit struct {
	// argIndex is the declared argument this unit belongs to.
	argIndex int
	// slot is the qword index inside that argument's image.
	slot int
	// float is true when the unit is passed in an XMM register position.
	float bool
	// byPointer is true when the unit passes the address of a caller-owned
	// image rather than the value itself (arguments larger than 16 bytes).
	byPointer bool
}

// flattenArgs expands declared arguments into their passing units.
// Arguments of at most eight bytes are one unit; 9..16-byte value types are
// two; larger value types collapse to a single by-pointer unit.
func flattenArgs(args []ArgDesc) []argUnit {
	var units []argUnit
	for i, a := range args {
		switch {
		case a.Size <= 8:
			units = append(units, argUnit{argIndex: i, float: a.FloatKind != 0})
		case a.Size <= 16:
			units = append(units, argUnit{argIndex: i, slot: 0}, argUnit{argIndex: i, slot: 1})
		default:
			units = append(units, argUnit{argIndex: i, byPointer: true})
		}
	}
	return units
}

// argImageSlots returns how many evaluation-stack slots the argument's image
// occupies when pushed by the IL (always its full width; by-pointer passing
// is a call-sequence concern).
func argImageSlots(a ArgDesc) int {
	if a.Size <= 8 {
		return 1
	}
	return slotsOf(a.Size)
}
