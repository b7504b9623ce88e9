package tier0

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func flagPointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // the registry owns the word
}

func TestCctorRegistry_registerOnce(t *testing.T) {
	r := NewCctorRegistry()
	a := r.GetOrRegister(0x02000001, 0x1000)
	b := r.GetOrRegister(0x02000001, 0x9999)
	require.Equal(t, a, b, "re-registration keeps the first context")
	require.NotZero(t, a.InitFlagAddr)
	require.Equal(t, uintptr(0x1000), a.CctorEntry)

	other := r.GetOrRegister(0x02000002, 0x2000)
	require.NotEqual(t, a.InitFlagAddr, other.InitFlagAddr)
}

func TestCctorRegistry_runsAtMostOnce(t *testing.T) {
	r := NewCctorRegistry()
	r.GetOrRegister(0x02000001, 0x1000)

	var runs int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.EnsureInitialized(0x02000001, func(entry uintptr) {
				atomic.AddInt32(&runs, 1)
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), runs)

	// The flag word is now zero, which is what the emitted fast path tests.
	ctx := r.GetOrRegister(0x02000001, 0x1000)
	require.Zero(t, *(*uint64)(flagPointer(ctx.InitFlagAddr)))
}

func TestCctorRegistry_blocksUntilInitializerCompletes(t *testing.T) {
	r := NewCctorRegistry()
	r.GetOrRegister(0x02000001, 0x1000)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		r.EnsureInitialized(0x02000001, func(uintptr) {
			close(started)
			<-release
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		r.EnsureInitialized(0x02000001, func(uintptr) {
			t.Error("initializer ran twice")
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second caller returned while the initializer was still running")
	default:
	}
	close(release)
	<-done
}

func TestCctorRegistry_unknownTokenIsNoop(t *testing.T) {
	r := NewCctorRegistry()
	r.EnsureInitialized(0xffffffff, func(uintptr) {
		t.Error("ran an initializer for an unknown token")
	})
}
