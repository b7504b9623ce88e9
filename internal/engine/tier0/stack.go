package tier0

import (
	"fmt"
	"strings"
)

// stackTag classifies one eight-byte slot of the abstract evaluation stack.
type stackTag byte

const (
	// tagInt is any pointer-sized integer, reference or managed pointer.
	tagInt stackTag = iota
	tagFloat32
	tagFloat64
	// tagValueTypeSlot is one qword of a larger value type. A value type of
	// size S occupies ceil(S/8) consecutive slots; the trailing run of
	// tagValueTypeSlot entries is the only record of its width.
	tagValueTypeSlot
)

func (t stackTag) String() string {
	switch t {
	case tagInt:
		return "int"
	case tagFloat32:
		return "f32"
	case tagFloat64:
		return "f64"
	case tagValueTypeSlot:
		return "vt"
	}
	return "?"
}

// evalStack mirrors, at compile time, the slot layout the emitted code keeps
// on the machine stack. Only tags live here; the values exist at runtime.
type evalStack struct {
	tags []stackTag
}

func (s *evalStack) height() int { return len(s.tags) }

func (s *evalStack) push(t stackTag) { s.tags = append(s.tags, t) }

func (s *evalStack) pop() stackTag {
	t := s.tags[len(s.tags)-1]
	s.tags = s.tags[:len(s.tags)-1]
	return t
}

func (s *evalStack) peek() stackTag { return s.tags[len(s.tags)-1] }

// valueTypeSlotRun counts the trailing run of value-type slots, i.e. the
// slot width of the value type currently on top.
func (s *evalStack) valueTypeSlotRun() int {
	n := 0
	for i := len(s.tags) - 1; i >= 0 && s.tags[i] == tagValueTypeSlot; i-- {
		n++
	}
	return n
}

// topSlots returns how many slots the logical top entry occupies: 1 for
// scalars, the trailing run length for value types.
func (s *evalStack) topSlots() int {
	if len(s.tags) == 0 {
		return 0
	}
	if s.peek() == tagValueTypeSlot {
		return s.valueTypeSlotRun()
	}
	return 1
}

// snapshot returns a copy of the tag sequence, for branch-target agreement
// checks.
func (s *evalStack) snapshot() []stackTag {
	c := make([]stackTag, len(s.tags))
	copy(c, s.tags)
	return c
}

func (s *evalStack) restore(tags []stackTag) {
	s.tags = append(s.tags[:0], tags...)
}

func tagsEqual(a, b []stackTag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, bottom first.
func (s *evalStack) String() string {
	parts := make([]string, len(s.tags))
	for i, t := range s.tags {
		parts[i] = t.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}

// tosCache is the one-entry register cache over the top of the evaluation
// stack. At most one scalar entry lives in the accumulator (RAX, or XMM0 for
// floats) instead of stack memory; constants can additionally be deferred
// entirely, with no instruction issued until first use.
type tosCache struct {
	// cached means the logical top is in the accumulator and has not been
	// written to the memory stack.
	cached bool
	// isConstant means the logical top is a compile-time integer constant
	// and no instruction has been issued for it yet.
	isConstant bool
	constValue int64
	// kind is the tag of the cached entry; value types are never cached.
	kind stackTag
}

func (c *tosCache) clear() { *c = tosCache{} }

func (c *tosCache) String() string {
	if !c.cached {
		return "tos{}"
	}
	if c.isConstant {
		return fmt.Sprintf("tos{const:%d}", c.constValue)
	}
	return fmt.Sprintf("tos{%s}", c.kind)
}
