// Package controller holds the named controllers a server dispatches to.
//
// A controller is registered once at startup and looked up by the first
// segment of the request path:
//
//	reg := controller.NewRegistry()
//	reg.MustRegister(&pipeline.Controller{
//	    Name:    "blog",
//	    Actions: map[string]pipeline.Handler{"index": blogIndex},
//	})
package controller

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tjfontaine/focus/internal/pipeline"
)

// Registry maps controller names to controllers. It is safe for concurrent
// use.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*pipeline.Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]*pipeline.Controller)}
}

// Register adds c under c.Name. Names are case-insensitive and must be
// unique.
func (r *Registry) Register(c *pipeline.Controller) error {
	if c == nil {
		return fmt.Errorf("controller cannot be nil")
	}
	name := strings.ToLower(c.Name)
	if name == "" {
		return fmt.Errorf("controller name cannot be empty")
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("controller name %q cannot contain '/'", c.Name)
	}
	if len(c.Actions) == 0 {
		return fmt.Errorf("controller %q has no actions", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.controllers[name]; exists {
		return fmt.Errorf("controller %q already registered", c.Name)
	}
	r.controllers[name] = c
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(c *pipeline.Controller) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Lookup returns the controller registered under name.
func (r *Registry) Lookup(name string) (*pipeline.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[strings.ToLower(name)]
	return c, ok
}

// Names returns the registered controller names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
