package endpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/miguel-b-p/metabridge/common/protocol"
)

//	RawHandler is the lowest-level target shape: decoded wire values in,
//	one wire value (or an error) out. Targets with this exact signature are
//	invoked directly, everything else goes through reflection.
type RawHandler func(args []interface{}, kwargs map[string]interface{}) (result interface{}, err error)

var errorType = reflect.TypeOf((*error)(nil)).Elem()
var kwargsType = reflect.TypeOf(map[string]interface{}(nil))

func compileFunc(fn interface{}) (handler RawHandler, err error) {
	if fn == nil {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "target function is nil")
		return
	}
	if raw, ok := fn.(RawHandler); ok {
		handler = raw
		return
	}
	if raw, ok := fn.(func([]interface{}, map[string]interface{}) (interface{}, error)); ok {
		handler = raw
		return
	}
	value := reflect.ValueOf(fn)
	if value.Kind() != reflect.Func {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "target is %T, not a function", fn)
		return
	}
	if err = validateReturns(value.Type()); err != nil {
		return
	}
	handler = func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return callValue(value, args, kwargs)
	}
	return
}

func compileMethod(recv interface{}, name string) (handler RawHandler, err error) {
	if recv == nil {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "method receiver is nil")
		return
	}
	method := reflect.ValueOf(recv).MethodByName(name)
	if !method.IsValid() {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "%T has no method '%s'", recv, name)
		return
	}
	if err = validateReturns(method.Type()); err != nil {
		return
	}
	handler = func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return callValue(method, args, kwargs)
	}
	return
}

func compileCtor(ctor interface{}, methodName string) (handler RawHandler, err error) {
	if ctor == nil {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "constructor is nil")
		return
	}
	value := reflect.ValueOf(ctor)
	ctorType := value.Type()
	if value.Kind() != reflect.Func {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "constructor is %T, not a function", ctor)
		return
	}
	if err = validateReturns(ctorType); err != nil {
		return
	}
	if ctorType.NumOut() == 0 || ctorType.Out(0) == errorType {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "constructor must return the instance")
		return
	}
	if !hasMethod(ctorType.Out(0), methodName) {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR,
			"%s has no method '%s'", ctorType.Out(0).String(), methodName)
		return
	}
	handler = func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return callValue(value, args, kwargs)
	}
	return
}

func hasMethod(instanceType reflect.Type, name string) bool {
	if instanceType.Kind() == reflect.Interface {
		//	resolved against the concrete instance at call time
		return true
	}
	if _, ok := instanceType.MethodByName(name); ok {
		return true
	}
	if instanceType.Kind() != reflect.Ptr {
		_, ok := reflect.PtrTo(instanceType).MethodByName(name)
		return ok
	}
	return false
}

//	boundMethod resolves the named method on a cached instance, taking an
//	addressable copy when the method set needs a pointer receiver.
func boundMethod(instance interface{}, name string) (handler RawHandler, err error) {
	if instance == nil {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "constructor returned nil")
		return
	}
	value := reflect.ValueOf(instance)
	method := value.MethodByName(name)
	if !method.IsValid() && value.Kind() != reflect.Ptr {
		pointer := reflect.New(value.Type())
		pointer.Elem().Set(value)
		method = pointer.MethodByName(name)
	}
	if !method.IsValid() {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "%T has no method '%s'", instance, name)
		return
	}
	handler = func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return callValue(method, args, kwargs)
	}
	return
}

func validateReturns(fnType reflect.Type) (err error) {
	switch fnType.NumOut() {
	case 0, 1:
	case 2:
		if fnType.Out(1) != errorType {
			err = protocol.Errorf(protocol.TAG_ARG_ERROR, "second return value must be error")
		}
	default:
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "targets may return at most (value, error)")
	}
	return
}

//	callValue invokes fn with decoded wire arguments. Positional arguments
//	are coerced to the parameter types; keyword arguments are only accepted
//	by functions whose final parameter is map[string]interface{}.
func callValue(fn reflect.Value, args []interface{}, kwargs map[string]interface{}) (result interface{}, err error) {
	fnType := fn.Type()
	numIn := fnType.NumIn()

	wantsKwargs := false
	if numIn > 0 && !fnType.IsVariadic() && fnType.In(numIn-1) == kwargsType {
		//	a fully positional call may still fill the trailing map itself
		wantsKwargs = len(args) != numIn
	}
	if !wantsKwargs && len(kwargs) > 0 {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "target takes no keyword arguments")
		return
	}

	positional := numIn
	if wantsKwargs {
		positional--
	}

	if fnType.IsVariadic() {
		if len(args) < positional-1 {
			err = protocol.Errorf(protocol.TAG_ARG_ERROR,
				"target takes at least %d arguments, got %d", positional-1, len(args))
			return
		}
	} else if len(args) != positional {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR,
			"target takes %d arguments, got %d", positional, len(args))
		return
	}

	in := make([]reflect.Value, 0, len(args)+1)
	for i, arg := range args {
		var paramType reflect.Type
		if fnType.IsVariadic() && i >= positional-1 {
			paramType = fnType.In(numIn - 1).Elem()
		} else {
			paramType = fnType.In(i)
		}
		coerced, coerceErr := coerce(arg, paramType)
		if coerceErr != nil {
			err = protocol.Errorf(protocol.TAG_ARG_ERROR, "argument %d: %s", i, coerceErr.Error())
			return
		}
		in = append(in, coerced)
	}
	if wantsKwargs {
		if kwargs == nil {
			kwargs = map[string]interface{}{}
		}
		in = append(in, reflect.ValueOf(kwargs))
	}

	out := fn.Call(in)
	switch len(out) {
	case 0:
	case 1:
		if fnType.Out(0) == errorType {
			if !out[0].IsNil() {
				err = out[0].Interface().(error)
			}
		} else {
			result = out[0].Interface()
		}
	case 2:
		result = out[0].Interface()
		if !out[1].IsNil() {
			err = out[1].Interface().(error)
			result = nil
		}
	}
	return
}

func coerce(value interface{}, target reflect.Type) (out reflect.Value, err error) {
	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		if value == nil {
			out = reflect.Zero(target)
		} else {
			out = reflect.ValueOf(value)
		}
		return
	}
	if value == nil {
		switch target.Kind() {
		case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
			out = reflect.Zero(target)
		default:
			err = fmt.Errorf("cannot use null as %s", target.String())
		}
		return
	}

	actual := reflect.ValueOf(value)
	if actual.Type().AssignableTo(target) {
		out = actual
		return
	}

	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if floating, ok := asFloat(actual); ok {
			if floating != math.Trunc(floating) {
				err = fmt.Errorf("cannot use %v as %s without truncation", value, target.String())
				return
			}
			out = reflect.ValueOf(floating).Convert(target)
			return
		}
	case reflect.Float32, reflect.Float64:
		if floating, ok := asFloat(actual); ok {
			out = reflect.ValueOf(floating).Convert(target)
			return
		}
	case reflect.String:
		if actual.Kind() == reflect.String {
			out = actual.Convert(target)
			return
		}
	case reflect.Slice:
		if items, ok := value.([]interface{}); ok {
			slice := reflect.MakeSlice(target, len(items), len(items))
			for i, item := range items {
				element, elementErr := coerce(item, target.Elem())
				if elementErr != nil {
					err = fmt.Errorf("element %d: %s", i, elementErr.Error())
					return
				}
				slice.Index(i).Set(element)
			}
			out = slice
			return
		}
	case reflect.Map:
		if fields, ok := value.(map[string]interface{}); ok && target.Key().Kind() == reflect.String {
			mapped := reflect.MakeMapWithSize(target, len(fields))
			for name, field := range fields {
				element, elementErr := coerce(field, target.Elem())
				if elementErr != nil {
					err = fmt.Errorf("key '%s': %s", name, elementErr.Error())
					return
				}
				mapped.SetMapIndex(reflect.ValueOf(name).Convert(target.Key()), element)
			}
			out = mapped
			return
		}
	}

	//	last resort: route through the wire encoding, which handles structs
	//	and pointer targets
	encoded, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		err = fmt.Errorf("cannot use %T as %s", value, target.String())
		return
	}
	pointer := reflect.New(target)
	if unmarshalErr := json.Unmarshal(encoded, pointer.Interface()); unmarshalErr != nil {
		err = fmt.Errorf("cannot use %T as %s", value, target.String())
		return
	}
	out = pointer.Elem()
	return
}

func asFloat(value reflect.Value) (floating float64, ok bool) {
	switch value.Kind() {
	case reflect.Float32, reflect.Float64:
		return value.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(value.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(value.Uint()), true
	}
	return 0, false
}
