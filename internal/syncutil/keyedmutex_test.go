package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signer = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

func TestKeyedMutex_SerializesNonceSequence(t *testing.T) {
	var m KeyedMutex
	ctx := context.Background()

	// Each sender reads the next nonce and publishes it, as the writer does
	// between PendingNonceAt and SendTransaction.
	var (
		next int
		seen = make(map[int]bool)
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	const senders = 50

	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, signer)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			nonce := next
			time.Sleep(time.Microsecond)
			next = nonce + 1

			mu.Lock()
			seen[nonce] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, senders, next)
	assert.Len(t, seen, senders, "a nonce was handed out twice")
	assert.Zero(t, m.Held())
}

func TestKeyedMutex_KeysAreIndependent(t *testing.T) {
	var m KeyedMutex
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, signer)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	other, err := m.LockContext(ctx, "0x0000000000000000000000000000000000000002")
	require.NoError(t, err, "a different signer must not wait")
	assert.Equal(t, 2, m.Held())
	other()
	assert.Equal(t, 1, m.Held())
}

func TestKeyedMutex_GivesUpWhenContextEnds(t *testing.T) {
	var m KeyedMutex

	unlock, err := m.LockContext(context.Background(), signer)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, signer)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, m.Held(), "an abandoned wait must not leak the key")
}

func TestKeyedMutex_AlreadyCancelled(t *testing.T) {
	var m KeyedMutex
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	unlock, err := m.LockContext(context.Background(), signer)
	require.NoError(t, err)
	defer unlock()

	_, err = m.LockContext(ctx, signer)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedMutex_UnlockHandsOver(t *testing.T) {
	var m KeyedMutex
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, signer)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, signer)
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second sender acquired the lock while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second sender never acquired the lock")
	}
}
