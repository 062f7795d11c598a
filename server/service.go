package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// methodType is one operation a model can perform, keyed by its lower-case verb.
type methodType struct {
	method reflect.Method
	verb   string
}

// model is a registered handler for one base path.
type model struct {
	base   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
	value  any
}

// newModel scans rcvr for operation methods. A method qualifies if it is exported and has
// the signature
//
//	func (m *T) Verb(ctx context.Context, data json.RawMessage) (any, error)
//
// and is then reachable as "<base>:<verb>", e.g. Upsert as "/api/tasks:upsert".
func newModel(base string, rcvr any) (*model, error) {
	if base == "" || strings.ContainsRune(base, ':') {
		return nil, fmt.Errorf("backsync: invalid base path %q", base)
	}
	if rcvr == nil {
		return nil, fmt.Errorf("backsync: nil model for %s", base)
	}
	m := &model{
		base:   base,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    reflect.TypeOf(rcvr),
		method: make(map[string]*methodType),
		value:  rcvr,
	}
	m.registerMethods()
	if len(m.method) == 0 {
		return nil, fmt.Errorf("backsync: %T has no operation methods", rcvr)
	}
	return m, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	rawType     = reflect.TypeOf(json.RawMessage(nil))
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
)

func (m *model) registerMethods() {
	for i := 0; i < m.typ.NumMethod(); i++ {
		method := m.typ.Method(i)
		mt := method.Type
		// (receiver, ctx, data) → (any, error)
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != rawType ||
			mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		verb := strings.ToLower(method.Name)
		m.method[verb] = &methodType{method: method, verb: verb}
	}
}

// call invokes the method via reflection.
func (m *model) call(ctx context.Context, mt *methodType, data json.RawMessage) (any, error) {
	args := [3]reflect.Value{m.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(data)}
	results := mt.method.Func.Call(args[:])
	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	return results[0].Interface(), err
}

// verbs lists the operations the model supports, for logging.
func (m *model) verbs() []string {
	out := make([]string, 0, len(m.method))
	for v := range m.method {
		out = append(out, v)
	}
	return out
}
