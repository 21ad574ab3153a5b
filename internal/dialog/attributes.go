package dialog

import (
	"maps"
	"sync"
)

// AttributeStore keeps the attributes of the current multi-turn dialog,
// merged into "dialog" type requests.
type AttributeStore struct {
	mu    sync.RWMutex
	attrs map[string]any
}

func NewAttributeStore() *AttributeStore {
	return &AttributeStore{}
}

// Set replaces the stored attributes. A nil map clears them.
func (s *AttributeStore) Set(attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = maps.Clone(attrs)
}

// Attributes returns a copy of the stored attributes, or nil.
func (s *AttributeStore) Attributes() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.attrs)
}

func (s *AttributeStore) Clear() {
	s.Set(nil)
}
