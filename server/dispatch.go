package server

import (
	"context"
	"reflect"
	"sort"

	"github.com/sirupsen/logrus"

	"wheels-rpc/codec"
	"wheels-rpc/message"
	"wheels-rpc/registry"
)

var defaultCodec = codec.NewJSONCodec(nil)

// Entry is a resolved method: the identifier clients send, the implementation that
// owns it and how to call it.
type Entry struct {
	MethodID   string
	Owner      any
	ParamTypes []reflect.Type
	Invoke     registry.Invoker
}

// DispatchTable maps method identifiers to entries. It is built once before serving
// and never modified afterwards, so lookups take no lock.
type DispatchTable struct {
	entries map[string]*Entry
}

// NewDispatchTable walks every registration and every method of each declared service.
// When two registrations claim the same identifier the later one wins.
func NewDispatchTable(regs []registry.Registration, logger logrus.FieldLogger) *DispatchTable {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	t := &DispatchTable{entries: make(map[string]*Entry)}
	for _, reg := range regs {
		for _, svc := range reg.Services {
			for _, m := range svc.Methods {
				id := message.MethodID(svc.Name, m.Name)
				if prev, ok := t.entries[id]; ok {
					logger.WithFields(logrus.Fields{
						"method":   id,
						"previous": reflect.TypeOf(prev.Owner),
						"owner":    reflect.TypeOf(reg.Instance),
					}).Warn("method registered twice, keeping the later one")
				}
				t.entries[id] = &Entry{
					MethodID:   id,
					Owner:      reg.Instance,
					ParamTypes: m.ParamTypes,
					Invoke:     m.Invoke,
				}
			}
		}
	}
	return t
}

func (t *DispatchTable) Resolve(methodID string) (*Entry, bool) {
	e, ok := t.entries[methodID]
	return e, ok
}

// Methods returns the registered identifiers in sorted order.
func (t *DispatchTable) Methods() []string {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *DispatchTable) Len() int { return len(t.entries) }

// Call coerces the raw parameters for e and invokes it. Structured arguments are
// decoded with dec, the JSON codec when nil.
func (e *Entry) Call(ctx context.Context, dec codec.Codec, params []byte) (any, error) {
	if dec == nil {
		dec = defaultCodec
	}
	args, err := coerceArgs(dec, e.ParamTypes, params)
	if err != nil {
		return nil, err
	}
	return e.Invoke(ctx, args)
}
