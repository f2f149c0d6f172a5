package core

import "sync"

var slotOrder = []TrackKind{TrackAudio, TrackVideo, TrackScreen}

// LocalMedia is the engine-owned set of named track slots. Peer
// sessions share the tracks by reference; StopAll releases them exactly
// once, after every referencing session is closed.
type LocalMedia struct {
	mu      sync.Mutex
	slots   map[TrackKind]Track
	stopped bool
}

func NewLocalMedia(tracks ...Track) *LocalMedia {
	m := &LocalMedia{slots: make(map[TrackKind]Track)}
	for _, t := range tracks {
		m.slots[t.Kind()] = t
	}
	return m
}

func (m *LocalMedia) Track(kind TrackKind) (Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.slots[kind]
	return t, ok
}

// Tracks returns occupied slots in stable audio/video/screen order.
func (m *LocalMedia) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Track, 0, len(m.slots))
	for _, kind := range slotOrder {
		if t, ok := m.slots[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Put installs a track into its slot and returns the previous occupant.
func (m *LocalMedia) Put(t Track) (Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, had := m.slots[t.Kind()]
	m.slots[t.Kind()] = t
	return old, had
}

func (m *LocalMedia) Remove(kind TrackKind) (Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.slots[kind]
	delete(m.slots, kind)
	return t, ok
}

// StopAll stops every held track. Safe to call more than once.
func (m *LocalMedia) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for _, t := range m.slots {
		t.Stop()
	}
	m.slots = make(map[TrackKind]Track)
}
