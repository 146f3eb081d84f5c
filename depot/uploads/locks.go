// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package uploads

import (
	"sync"
)

// lockSet provides a mutex per dynamic key. Entries are reference
// counted and dropped once the last holder unlocks, so the set does not
// grow with the number of keys ever seen.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: map[string]*refMutex{}}
}

// lock acquires the mutex for key and returns its unlock function.
func (set *lockSet) lock(key string) func() {
	set.mu.Lock()
	mutex, ok := set.locks[key]
	if !ok {
		mutex = &refMutex{}
		set.locks[key] = mutex
	}
	mutex.refs++
	set.mu.Unlock()

	mutex.Lock()
	return func() {
		mutex.Unlock()

		set.mu.Lock()
		mutex.refs--
		if mutex.refs == 0 {
			delete(set.locks, key)
		}
		set.mu.Unlock()
	}
}

// rwLockSet provides a read-write mutex per dynamic key, with the same
// reference counted cleanup as lockSet. Chunk writes of one session
// share the read side; merge takes the write side so that it is
// exclusive with same-session chunk writes.
type rwLockSet struct {
	mu    sync.Mutex
	locks map[string]*refRWMutex
}

type refRWMutex struct {
	sync.RWMutex
	refs int
}

func newRWLockSet() *rwLockSet {
	return &rwLockSet{locks: map[string]*refRWMutex{}}
}

func (set *rwLockSet) get(key string) *refRWMutex {
	set.mu.Lock()
	defer set.mu.Unlock()

	mutex, ok := set.locks[key]
	if !ok {
		mutex = &refRWMutex{}
		set.locks[key] = mutex
	}
	mutex.refs++
	return mutex
}

func (set *rwLockSet) put(key string, mutex *refRWMutex) {
	set.mu.Lock()
	defer set.mu.Unlock()

	mutex.refs--
	if mutex.refs == 0 {
		delete(set.locks, key)
	}
}

func (set *rwLockSet) rlock(key string) func() {
	mutex := set.get(key)
	mutex.RLock()
	return func() {
		mutex.RUnlock()
		set.put(key, mutex)
	}
}

func (set *rwLockSet) lock(key string) func() {
	mutex := set.get(key)
	mutex.Lock()
	return func() {
		mutex.Unlock()
		set.put(key, mutex)
	}
}
