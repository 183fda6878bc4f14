package server

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"wheels-rpc/registry"
)

type (
	ServiceDesc = registry.ServiceDesc
	MethodDesc  = registry.MethodDesc
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// arg converts a coerced argument back to its static type. Interface-typed
// parameters left at their zero value come back as the zero A.
func arg[A any](v reflect.Value) A {
	a, _ := v.Interface().(A)
	return a
}

func Method0[R any](name string, fn func(ctx context.Context) (R, error)) MethodDesc {
	return MethodDesc{
		Name: name,
		Invoke: func(ctx context.Context, _ []reflect.Value) (any, error) {
			return fn(ctx)
		},
	}
}

func Method1[A, R any](name string, fn func(ctx context.Context, a A) (R, error)) MethodDesc {
	return MethodDesc{
		Name:       name,
		ParamTypes: []reflect.Type{reflect.TypeFor[A]()},
		Invoke: func(ctx context.Context, args []reflect.Value) (any, error) {
			return fn(ctx, arg[A](args[0]))
		},
	}
}

func Method2[A, B, R any](name string, fn func(ctx context.Context, a A, b B) (R, error)) MethodDesc {
	return MethodDesc{
		Name:       name,
		ParamTypes: []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()},
		Invoke: func(ctx context.Context, args []reflect.Value) (any, error) {
			return fn(ctx, arg[A](args[0]), arg[B](args[1]))
		},
	}
}

func Method3[A, B, C, R any](name string, fn func(ctx context.Context, a A, b B, c C) (R, error)) MethodDesc {
	return MethodDesc{
		Name:       name,
		ParamTypes: []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()},
		Invoke: func(ctx context.Context, args []reflect.Value) (any, error) {
			return fn(ctx, arg[A](args[0]), arg[B](args[1]), arg[C](args[2]))
		},
	}
}

// InterfaceService 扫描接口声明的方法，绑定到 impl 上的同名方法
//
// iface must be a nil pointer to an interface type, e.g. (*Arith)(nil). Only methods
// declared on that interface are exposed, under the Go name with its first letter
// lowered ("Add" → "add"). Accepted method shapes:
//
//	M([ctx context.Context,] args...) (R, error)
//	M([ctx context.Context,] args...) error
//	M([ctx context.Context,] args...) R
//	M([ctx context.Context,] args...)
func InterfaceService(name string, iface any, impl any) (ServiceDesc, error) {
	it := reflect.TypeOf(iface)
	if it == nil || it.Kind() != reflect.Ptr || it.Elem().Kind() != reflect.Interface {
		return ServiceDesc{}, fmt.Errorf("rpc: iface must be a pointer to an interface, got %v", it)
	}
	it = it.Elem()

	rcvr := reflect.ValueOf(impl)
	if !rcvr.IsValid() {
		return ServiceDesc{}, fmt.Errorf("rpc: nil implementation for %s", name)
	}
	if !rcvr.Type().Implements(it) {
		return ServiceDesc{}, fmt.Errorf("rpc: %s does not implement %s", rcvr.Type(), it)
	}

	desc := ServiceDesc{Name: name}
	for i := 0; i < it.NumMethod(); i++ {
		m := it.Method(i)
		if !m.IsExported() {
			continue
		}
		md, err := bindMethod(rcvr.MethodByName(m.Name), m.Name)
		if err != nil {
			return ServiceDesc{}, fmt.Errorf("rpc: %s.%s: %w", name, m.Name, err)
		}
		desc.Methods = append(desc.Methods, md)
	}
	return desc, nil
}

func bindMethod(fn reflect.Value, goName string) (MethodDesc, error) {
	ft := fn.Type()

	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	first := 0
	if withCtx {
		first = 1
	}
	params := make([]reflect.Type, 0, ft.NumIn()-first)
	for i := first; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}
	if ft.IsVariadic() {
		return MethodDesc{}, fmt.Errorf("variadic methods are not supported")
	}

	var hasResult, hasErr bool
	switch ft.NumOut() {
	case 0:
	case 1:
		hasErr = ft.Out(0) == errorType
		hasResult = !hasErr
	case 2:
		if ft.Out(1) != errorType {
			return MethodDesc{}, fmt.Errorf("second result must be error, got %s", ft.Out(1))
		}
		hasResult, hasErr = true, true
	default:
		return MethodDesc{}, fmt.Errorf("too many results (%d)", ft.NumOut())
	}

	invoke := func(ctx context.Context, args []reflect.Value) (any, error) {
		in := args
		if withCtx {
			in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, args...)
		}
		out := fn.Call(in)

		var (
			result any
			err    error
		)
		if hasResult {
			result = out[0].Interface()
		}
		if hasErr {
			if e := out[len(out)-1]; !e.IsNil() {
				err = e.Interface().(error)
			}
		}
		return result, err
	}

	return MethodDesc{Name: lowerFirst(goName), ParamTypes: params, Invoke: invoke}, nil
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
