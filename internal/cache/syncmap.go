// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"sync"
)

const defaultEvictionPercentage int = 5 // The default eviction percentage used when map reaches its capacity at insertion

// SyncMap is a bounded map with synchronized access support.
type SyncMap[V any] struct {
	mapObj             map[string]V
	lock               sync.RWMutex
	capacity           int
	evictionPercentage int
}

// Get retrieves the value associated with the given key.
func (sm *SyncMap[V]) Get(key string) (entry V, ok bool) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	entry, ok = sm.mapObj[key]
	return
}

// Set adds or updates an entry.
// If the key does not exist and the map is at capacity, some entries are evicted first.
func (sm *SyncMap[V]) Set(key string, entry V) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	if _, ok := sm.mapObj[key]; !ok {
		if numEntries := len(sm.mapObj); numEntries >= sm.capacity {
			numToEvict := max(numEntries*sm.evictionPercentage/100, 1)
			numEvicted := 0
			for k := range sm.mapObj { // map iteration order is random
				delete(sm.mapObj, k)
				numEvicted++
				if numEvicted >= numToEvict {
					break
				}
			}
		}
	}

	sm.mapObj[key] = entry
}

// NewSyncMap creates a new SyncMap holding at most maxEntries entries.
// If maxEntries is less than or equal to 0, it will be set to 1.
func NewSyncMap[V any](maxEntries int) *SyncMap[V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &SyncMap[V]{
		mapObj:             map[string]V{},
		capacity:           maxEntries,
		evictionPercentage: defaultEvictionPercentage,
	}
}
