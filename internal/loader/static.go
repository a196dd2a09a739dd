// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"sync"

	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
)

type (
	// StaticRuntime serves classes registered by the host, keyed by the
	// package that owns them.
	StaticRuntime struct {
		nativeSupport

		mu      sync.RWMutex
		classes map[module.PackageName]map[string]plugin.Class
	}

	staticUnit struct {
		classes map[string]plugin.Class
	}
)

// NewStaticRuntime creates an empty StaticRuntime.
func NewStaticRuntime(opts ...RuntimeOption) *StaticRuntime {
	return &StaticRuntime{
		nativeSupport: newNativeSupport(opts),
		classes:       make(map[module.PackageName]map[string]plugin.Class),
	}
}

// Register makes class part of pkg's private code.
func (r *StaticRuntime) Register(pkg module.PackageName, class plugin.Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.classes[pkg] == nil {
		r.classes[pkg] = make(map[string]plugin.Class)
	}
	r.classes[pkg][class.Name()] = class
}

// Name implements Runtime.
func (r *StaticRuntime) Name() string { return "static" }

// Open implements Runtime. The unit is a snapshot of the classes registered
// for the package at open time.
func (r *StaticRuntime) Open(req OpenRequest) (CodeUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := &staticUnit{classes: make(map[string]plugin.Class, len(r.classes[req.Package]))}
	for name, c := range r.classes[req.Package] {
		u.classes[name] = c
	}
	return u, nil
}

func (u *staticUnit) Find(name string) (plugin.Class, bool) {
	c, ok := u.classes[name]
	return c, ok
}

func (u *staticUnit) Close() error { return nil }
