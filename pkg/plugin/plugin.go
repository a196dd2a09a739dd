// SPDX-License-Identifier: MPL-2.0

// Package plugin defines the contract between the loader and module code.
//
// A module's entry class is looked up by name through the module's class
// loader chain, instantiated, and started with a Host describing the module's
// environment. A non-zero Start result marks the module as failed.
package plugin

import (
	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/pkg/resource"
)

// NoDelay is the template tag that opts a module out of deferred start.
const NoDelay = "plugkit.nodelay"

type (
	// Host is the module's view of its environment.
	Host interface {
		Package() string
		ArchivePath() string
		CacheDir() string
		// Resources returns the module's own resource set.
		Resources() resource.Set
		// Resolve maps id through the selected overlays, falling back to
		// the module's own resources.
		Resolve(id resource.ID) (resource.Set, resource.ID, bool)
		Props() Props
		Logger() *log.Logger
		LoadClass(name string) (Class, error)
		FindLibrary(name string) (string, error)
		SelectOverlays(names ...string) error
		OverlayTitles() map[string]string
	}

	// Props is a small persisted key/value store private to the module.
	Props interface {
		Get(key string) (string, bool)
		Set(key, value string) error
	}

	// Instance is a started module entry point.
	Instance interface {
		Start(h Host) int
		Stop() error
	}

	// Class is a loadable unit of module code.
	Class interface {
		Name() string
		// Tags lists the template tags the class satisfies. It is consulted
		// for host-provided modules whose descriptor carries no templates.
		Tags() []string
		New() (Instance, error)
	}

	// NewFunc creates an Instance.
	NewFunc func() (Instance, error)

	funcClass struct {
		name  string
		tags  []string
		newFn NewFunc
	}
)

// NewClass wraps a constructor as a Class.
func NewClass(name string, newFn NewFunc, tags ...string) Class {
	return &funcClass{name: name, tags: tags, newFn: newFn}
}

func (c *funcClass) Name() string           { return c.name }
func (c *funcClass) Tags() []string         { return c.tags }
func (c *funcClass) New() (Instance, error) { return c.newFn() }
