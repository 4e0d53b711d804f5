package room

import (
	"sync"
)

// Per-room language tags. Last write wins; a room with no entry has
// never had its language set.
type Languages struct {
	tags map[string]string
	mu   sync.RWMutex
}

func NewLanguages() *Languages {
	return &Languages{
		tags: make(map[string]string),
	}
}

// Stores the tag for a room
func (l *Languages) Set(roomID, language string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tags[roomID] = language
}

// Returns the current tag, if any
func (l *Languages) Get(roomID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tag, ok := l.tags[roomID]
	return tag, ok
}

// Forgets a room's tag once the room has emptied
func (l *Languages) Delete(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tags, roomID)
}

func (l *Languages) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tags)
}
