package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializes(t *testing.T) {
	km := newKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("vm1")
			defer km.Unlock("vm1")
			counter++
		}()
	}
	wg.Wait()

	require.Equal(t, 100, counter)
	// all entries released, nothing accumulates per name
	require.Zero(t, km.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	km.Lock("vm1")
	defer km.Unlock("vm1")

	acquired := make(chan struct{})
	go func() {
		km.Lock("vm2")
		defer km.Unlock("vm2")
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("locking a different key blocked behind vm1")
	}
}

func TestKeyedMutexReuseAfterRelease(t *testing.T) {
	km := newKeyedMutex()

	km.Lock("vm1")
	km.Unlock("vm1")
	require.Zero(t, km.size())

	km.Lock("vm1")
	require.Equal(t, 1, km.size())
	km.Unlock("vm1")
	require.Zero(t, km.size())
}
