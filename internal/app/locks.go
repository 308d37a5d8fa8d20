package app

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// keyedLocker hands out one mutex per key and forgets it once nobody holds or waits on it.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[uuid.UUID]*refLock)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyedLocker) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockAll acquires several keys in a stable order so two callers locking the
// same pair can never deadlock.
func (k *keyedLocker) LockAll(keys ...uuid.UUID) func() {
	sorted := append([]uuid.UUID(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	var unlocks []func()
	var prev *uuid.UUID
	for i := range sorted {
		if prev != nil && *prev == sorted[i] {
			continue
		}
		unlocks = append(unlocks, k.Lock(sorted[i]))
		prev = &sorted[i]
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (k *keyedLocker) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
