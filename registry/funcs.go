// Package registry provides the two name services the RPC layer depends on:
// an in-process table of named callable entry points (used for server-side
// function lookup and session constructor dispatch), and an etcd-backed
// tracker that lets servers advertise themselves to clients (see tracker.go).
package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/kp-forks/tvm/codec"
)

// Func is a callable entry point reachable by name over RPC. Arguments
// arrive as a packed value sequence; the single return value is packed by
// the caller.
type Func func(args []codec.Value) (codec.Value, error)

// Funcs is a concurrency-safe table of named functions.
type Funcs struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewFuncs returns an empty function table.
func NewFuncs() *Funcs {
	return &Funcs{funcs: make(map[string]Func)}
}

// Global is the default process-wide function table. Servers use it unless
// configured with their own.
var Global = NewFuncs()

// Register binds fn to name, replacing any previous binding.
func (r *Funcs) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get returns the function bound to name, or nil if there is none.
func (r *Funcs) Get(name string) Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.funcs[name]
}

// Names returns the registered names in unspecified order.
func (r *Funcs) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterTyped binds a plain Go function to name, converting packed values
// to and from its native signature via reflection. Supported parameter and
// result types: bool, int64, uint64, float64, string, []byte. The function
// may return (T), (T, error), (error) or nothing.
func (r *Funcs) RegisterTyped(name string, fn any) error {
	typ := reflect.TypeOf(fn)
	if typ == nil || typ.Kind() != reflect.Func {
		return fmt.Errorf("registry: %s: not a function", name)
	}
	if typ.IsVariadic() {
		return fmt.Errorf("registry: %s: variadic functions are not supported", name)
	}
	for i := 0; i < typ.NumIn(); i++ {
		if !typedArgSupported(typ.In(i)) {
			return fmt.Errorf("registry: %s: unsupported parameter type %s", name, typ.In(i))
		}
	}
	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) != errType && !typedArgSupported(typ.Out(0)) {
			return fmt.Errorf("registry: %s: unsupported result type %s", name, typ.Out(0))
		}
	case 2:
		if !typedArgSupported(typ.Out(0)) || typ.Out(1) != errType {
			return fmt.Errorf("registry: %s: second result must be error", name)
		}
	default:
		return fmt.Errorf("registry: %s: too many results", name)
	}

	val := reflect.ValueOf(fn)
	r.Register(name, func(args []codec.Value) (codec.Value, error) {
		if len(args) != typ.NumIn() {
			return codec.Nil(), fmt.Errorf("%s: want %d arguments, got %d", name, typ.NumIn(), len(args))
		}
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			conv, err := toReflect(a, typ.In(i))
			if err != nil {
				return codec.Nil(), fmt.Errorf("%s: argument %d: %w", name, i, err)
			}
			in[i] = conv
		}
		out := val.Call(in)
		// Trailing error result, if declared.
		if n := len(out); n > 0 && typ.Out(n-1) == errType {
			if !out[n-1].IsNil() {
				return codec.Nil(), out[n-1].Interface().(error)
			}
			out = out[:n-1]
		}
		if len(out) == 0 {
			return codec.Nil(), nil
		}
		return fromReflect(out[0]), nil
	})
	return nil
}

func typedArgSupported(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int64, reflect.Uint64, reflect.Float64, reflect.String:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	default:
		return false
	}
}

func toReflect(v codec.Value, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		if v.Kind != codec.KindBool {
			return reflect.Value{}, fmt.Errorf("want bool, got %v", v.Kind)
		}
		return reflect.ValueOf(v.AsBool()), nil
	case reflect.Int64:
		if v.Kind != codec.KindInt {
			return reflect.Value{}, fmt.Errorf("want int, got %v", v.Kind)
		}
		return reflect.ValueOf(v.Int), nil
	case reflect.Uint64:
		if v.Kind != codec.KindInt && v.Kind != codec.KindHandle {
			return reflect.Value{}, fmt.Errorf("want handle, got %v", v.Kind)
		}
		if v.Kind == codec.KindHandle {
			return reflect.ValueOf(v.Handle), nil
		}
		return reflect.ValueOf(uint64(v.Int)), nil
	case reflect.Float64:
		if v.Kind != codec.KindFloat {
			return reflect.Value{}, fmt.Errorf("want float, got %v", v.Kind)
		}
		return reflect.ValueOf(v.Float), nil
	case reflect.String:
		if v.Kind != codec.KindStr {
			return reflect.Value{}, fmt.Errorf("want str, got %v", v.Kind)
		}
		return reflect.ValueOf(v.Str), nil
	case reflect.Slice:
		if v.Kind != codec.KindBytes {
			return reflect.Value{}, fmt.Errorf("want bytes, got %v", v.Kind)
		}
		return reflect.ValueOf(v.Data), nil
	default:
		return reflect.Value{}, fmt.Errorf("unsupported type %s", t)
	}
}

func fromReflect(v reflect.Value) codec.Value {
	switch v.Kind() {
	case reflect.Bool:
		return codec.Bool(v.Bool())
	case reflect.Int64:
		return codec.Int(v.Int())
	case reflect.Uint64:
		return codec.Handle(v.Uint())
	case reflect.Float64:
		return codec.Float(v.Float())
	case reflect.String:
		return codec.Str(v.String())
	case reflect.Slice:
		return codec.Bytes(v.Bytes())
	default:
		return codec.Object(v.Interface())
	}
}
