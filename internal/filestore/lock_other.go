// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package filestore

import "sync"

// Without flock the lock only serialises goroutines of this process.
var (
	registryMu sync.Mutex
	registry   = map[string]*sync.Mutex{}
)

// Lock is a per-path in-process mutex.
type Lock struct {
	mu *sync.Mutex
}

func acquire(path string) (*Lock, error) {
	registryMu.Lock()
	mu, ok := registry[path]
	if !ok {
		mu = &sync.Mutex{}
		registry[path] = mu
	}
	registryMu.Unlock()

	mu.Lock()
	return &Lock{mu: mu}, nil
}

// Release unlocks. Calling it again, or on a nil Lock, does nothing.
func (l *Lock) Release() {
	if l == nil || l.mu == nil {
		return
	}
	l.mu.Unlock()
	l.mu = nil
}
