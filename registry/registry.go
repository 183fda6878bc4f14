// Package registry supplies the services a server exposes.
//
// A registration pairs a service implementation with the interface descriptors it
// publishes. The server enumerates the registry once at startup to build its dispatch
// table; nothing here is consulted while serving.
package registry

import (
	"context"
	"reflect"
	"sync"
)

// Invoker calls one bound service method with already-coerced arguments.
type Invoker func(ctx context.Context, args []reflect.Value) (any, error)

// MethodDesc describes one exposed method: its declared parameter types in order and
// the function that invokes it.
type MethodDesc struct {
	Name       string
	ParamTypes []reflect.Type
	Invoke     Invoker
}

// ServiceDesc is a service interface: the name clients address and the methods it declares.
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

// Registration is one service implementation and the interfaces it publishes.
type Registration struct {
	Instance any
	Services []ServiceDesc
}

type Registry interface {
	Registrations() []Registration
}

// Static is an in-memory Registry filled by Add before the server starts.
type Static struct {
	mu   sync.Mutex
	regs []Registration
}

func NewStatic(regs ...Registration) *Static {
	return &Static{regs: regs}
}

// Add appends a registration. Later registrations win on identifier collisions.
func (s *Static) Add(instance any, services ...ServiceDesc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs = append(s.regs, Registration{Instance: instance, Services: services})
}

func (s *Static) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, len(s.regs))
	copy(out, s.regs)
	return out
}
