package utils

import "sync"

// InFlight tracks keys that currently have an operation running.
// A key can be held by one caller at a time.
type InFlight struct {
	mu   sync.Mutex
	keys map[[32]byte]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[[32]byte]struct{})}
}

// TryAcquire marks key as busy. It returns false if the key is already held.
// The returned release func must be called exactly once.
func (f *InFlight) TryAcquire(key [32]byte) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, busy := f.keys[key]; busy {
		return nil, false
	}
	f.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.keys, key)
			f.mu.Unlock()
		})
	}, true
}

func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}
