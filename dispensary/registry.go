// Package dispensary implements the root server's name broker: services
// register a port under a name, and clients resolve names to ports,
// retrying with their own backoff if the name isn't registered yet
// (spec.md §4.1: "the server never blocks on behalf of the caller...
// clients that need a service that is not yet registered poll with
// their own backoff").
package dispensary

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/appsworld/kernelrt/pkg/kernel"
)

// Registry is the name -> port table dispensary serves: a plain
// mutex-guarded map, last-writer-wins on re-registration, exactly
// spec.md §4.1's data model. Registry operations never block and never
// fail except for the out-of-memory case spec.md §4.1 calls out, which
// a Go map already handles as a runtime fatal rather than a returned
// error.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]kernel.Handle
	log    *logrus.Entry
}

// NewRegistry returns an empty name registry.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		byName: make(map[string]kernel.Handle),
		log:    log,
	}
}

// Register binds name to port. Re-registering an existing name
// overwrites the previous binding (spec.md §4.1: "last-writer-wins on
// duplicate names") — dispensary does not itself decide whether that's
// a bug in the registering service.
func (reg *Registry) Register(name string, port kernel.Handle) {
	reg.mu.Lock()
	reg.byName[name] = port
	reg.mu.Unlock()
	reg.log.WithFields(logrus.Fields{"name": name, "port": port}).Debug("dispensary: registered")
}

// Lookup resolves name, returning immediately whether or not it is
// registered — it never blocks waiting for a future Register (spec.md
// §4.1, tested by spec.md §8 scenario 6: concurrent lookups during
// bootstrap both observe NotFound rather than waiting).
func (reg *Registry) Lookup(name string) (kernel.Handle, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	h, ok := reg.byName[name]
	return h, ok
}

// Unregister removes name if present.
func (reg *Registry) Unregister(name string) {
	reg.mu.Lock()
	delete(reg.byName, name)
	reg.mu.Unlock()
}
