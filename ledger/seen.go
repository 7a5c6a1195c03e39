// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"container/list"
	"sync"
)

const DefaultSeenSetSize = 4096

// SeenSet is a thread-safe, bounded set of recently handled event keys.
// Keys are evicted in LRU order once the set exceeds maxEntries.
type SeenSet struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[EventKey]*list.Element
	lruList    *list.List
}

// NewSeenSet creates a SeenSet holding at most maxEntries keys. A
// non-positive size uses DefaultSeenSetSize.
func NewSeenSet(maxEntries int) *SeenSet {
	if maxEntries <= 0 {
		maxEntries = DefaultSeenSetSize
	}
	return &SeenSet{
		maxEntries: maxEntries,
		entries:    make(map[EventKey]*list.Element),
		lruList:    list.New(),
	}
}

// Contains reports whether key was seen. A hit refreshes the key.
func (s *SeenSet) Contains(key EventKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.entries[key]
	if ok {
		s.lruList.MoveToFront(elem)
	}
	return ok
}

// Add records key and returns false if it was already present
func (s *SeenSet) Add(key EventKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		s.lruList.MoveToFront(elem)
		return false
	}
	s.entries[key] = s.lruList.PushFront(key)
	for s.lruList.Len() > s.maxEntries {
		s.evictOldest()
	}
	return true
}

// Remove forgets key
func (s *SeenSet) Remove(key EventKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		s.lruList.Remove(elem)
		delete(s.entries, key)
	}
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruList.Len()
}

// evictOldest must be called with the mutex held
func (s *SeenSet) evictOldest() {
	elem := s.lruList.Back()
	if elem == nil {
		return
	}
	key := elem.Value.(EventKey)
	delete(s.entries, key)
	s.lruList.Remove(elem)
}
