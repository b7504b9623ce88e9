package tier0

import "fmt"

// Frame slots reserved below the saved frame pointer in every method.
const (
	// retBufSlotOffset holds the hidden return-buffer address passed by the
	// caller, saved in the prolog so `ret` can find it after the argument
	// register is long gone.
	retBufSlotOffset = -8
	// scratchSlotOffset is a callee-owned qword used by sequences that need
	// to keep a value alive across a helper call (newobj, box).
	scratchSlotOffset = -16

	reservedFrameBytes = 16
)

// localSlot is the placed form of one declared local.
type localSlot struct {
	// offset is the RBP-relative offset of the local's lowest-addressed byte;
	// the image occupies [offset, offset+8*slots).
	offset    int64
	size      uint32
	floatKind byte
	slots     int
}

// frame is the fixed layout of one compiled method, known in full before the
// first instruction is emitted.
type frame struct {
	args     []ArgDesc
	argUnits []argUnit
	// argFirstUnit maps a declared argument index to its first unit index.
	argFirstUnit []int

	locals []localSlot

	retKind RetKind
	retSize uint32

	// size is the prolog RSP adjustment: reserved slots plus packed locals,
	// 16-byte aligned.
	size int64
}

// newFrame lays out the frame for the given signature and locals.
func newFrame(args []ArgDesc, locals []LocalDesc, retKind RetKind, retSize uint32) *frame {
	f := &frame{args: args, retKind: retKind, retSize: retSize}

	f.argUnits = flattenArgs(args)
	f.argFirstUnit = make([]int, len(args))
	for i := range f.argFirstUnit {
		f.argFirstUnit[i] = -1
	}
	for u, unit := range f.argUnits {
		if f.argFirstUnit[unit.argIndex] < 0 {
			f.argFirstUnit[unit.argIndex] = u
		}
	}

	// Locals pack in declared order, each taking ceil(size/8) qwords.
	// Multi-slot locals are 16-byte aligned to match return buffers.
	low := int64(-reservedFrameBytes)
	f.locals = make([]localSlot, len(locals))
	for i, l := range locals {
		slots := slotsOf(l.Size)
		if slots == 0 {
			slots = 1
		}
		off := low - int64(8*slots)
		if slots > 1 {
			off = -alignTo(-off, 16)
		}
		f.locals[i] = localSlot{offset: off, size: l.Size, floatKind: l.FloatKind, slots: slots}
		low = off
	}

	f.size = alignTo(-low, 16)
	return f
}

// localOffset returns the RBP-relative base offset of local i.
func (f *frame) localOffset(i int) (int64, error) {
	if i < 0 || i >= len(f.locals) {
		return 0, fmt.Errorf("local index %d out of range (%d locals)", i, len(f.locals))
	}
	return f.locals[i].offset, nil
}

// argHomeOffset returns the RBP-relative offset of the home slot of argument
// i's first unit. The prolog spills register units into their home slots, so
// every argument unit is addressable at argsHomeOffset+8*unit.
func (f *frame) argHomeOffset(i int) (int64, error) {
	if i < 0 || i >= len(f.argFirstUnit) {
		return 0, fmt.Errorf("argument index %d out of range (%d args)", i, len(f.args))
	}
	return argsHomeOffset + int64(8*f.argFirstUnit[i]), nil
}

// argByPointer reports whether argument i is passed by pointer (its image
// larger than 16 bytes lives in a caller-owned area).
func (f *frame) argByPointer(i int) bool {
	return f.args[i].Size > 16
}

// localsBytes returns the byte extent of the packed locals area.
func (f *frame) localsBytes() int64 {
	if len(f.locals) == 0 {
		return 0
	}
	last := f.locals[len(f.locals)-1]
	return -last.offset - reservedFrameBytes
}
