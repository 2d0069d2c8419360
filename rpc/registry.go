package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Method implements a single remote method.
// The returned value is JSON-encoded as the result.
type Method func(ctx context.Context, params json.RawMessage) (any, error)

// Definition describes a service known to a Registry.
// Methods with a nil implementation are declared but only callable remotely.
type Definition struct {
	Name    string
	Methods map[string]Method
}

// HasMethod reports whether the service declares the method.
func (d *Definition) HasMethod(name string) bool {
	_, ok := d.Methods[name]
	return ok
}

// Registry maps service names to definitions.
// A registry is typically populated once and then shared read-only across connections.
type Registry struct {
	mut      sync.RWMutex
	services map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{services: map[string]*Definition{}}
}

// Register adds a service implemented in this process.
func (r *Registry) Register(service string, methods map[string]Method) error {
	def := &Definition{Name: service, Methods: map[string]Method{}}
	for name, m := range methods {
		if m == nil {
			return fmt.Errorf("service %q method %q has no implementation", service, name)
		}
		def.Methods[name] = m
	}
	return r.add(def)
}

// Declare adds a service implemented by the remote peer, so that it can be resolved by GetService.
func (r *Registry) Declare(service string, methods ...string) error {
	def := &Definition{Name: service, Methods: map[string]Method{}}
	for _, name := range methods {
		def.Methods[name] = nil
	}
	return r.add(def)
}

func (r *Registry) add(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.services[def.Name]; ok {
		return fmt.Errorf("service %q already registered", def.Name)
	}
	r.services[def.Name] = def
	return nil
}

func (r *Registry) Lookup(service string) (*Definition, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	def, ok := r.services[service]
	return def, ok
}

// Services returns the sorted names of all known services.
func (r *Registry) Services() []string {
	r.mut.RLock()
	defer r.mut.RUnlock()
	var names []string
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
