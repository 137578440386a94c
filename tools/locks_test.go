package tools

import (
	"sync"
	"testing"
)

func TestKeyedMutex_TryLock(t *testing.T) {
	km := NewKeyedMutex()

	key := "cycle"
	if !km.TryLock(key) {
		t.Errorf("Expected TryLock to succeed for key %s", key)
	}

	if km.TryLock(key) {
		t.Errorf("Expected TryLock to fail for key %s while held", key)
	}

	if !km.Locked(key) {
		t.Errorf("Expected Locked to report key %s as held", key)
	}

	km.Unlock(key)
	if !km.TryLock(key) {
		t.Errorf("Expected TryLock to succeed for key %s after unlock", key)
	}
	km.Unlock(key)
}

func TestKeyedMutex_UnlockRemovesEntry(t *testing.T) {
	km := NewKeyedMutex()

	key := "cycle"
	if !km.TryLock(key) {
		t.Errorf("Expected TryLock to succeed for key %s", key)
	}
	km.Unlock(key)

	if km.Locked(key) {
		t.Errorf("Expected Locked to report key %s as free", key)
	}
	if _, ok := km.locks[key]; ok {
		t.Errorf("Expected mutex for key %s to be removed", key)
	}
}

func TestKeyedMutex_TryLockConcurrent(t *testing.T) {
	km := NewKeyedMutex()
	key := "cycle"

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if km.TryLock(key) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one TryLock winner, got %d", wins)
	}
	km.Unlock(key)
}
