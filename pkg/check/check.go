// Package check holds small validation helpers shared by the config types of the harness.
package check

import (
	"cmp"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by anything that has fields that should be validated.
type Validatable interface {
	Validate() []error
}

// Error is the combined result of a failed Validate call.
type Error struct {
	Errs []error
}

func (e Error) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return fmt.Sprintf("validation failed with %d error(s):\n\t%s", len(msgs), strings.Join(msgs, "\n\t"))
}

// Validate walks v and every struct, slice or map value reachable from it and collects the errors
// returned by each Validatable it finds. It returns nil when nothing failed.
func Validate(v interface{}) error {
	if errs := walk(reflect.ValueOf(v), "root"); len(errs) > 0 {
		return Error{Errs: errs}
	}
	return nil
}

func walk(v reflect.Value, path string) []error {
	var errs []error
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), path)
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			errs = append(errs, walk(v.MapIndex(key), fmt.Sprintf("%s[%v]", path, key.Interface()))...)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanInterface() {
				errs = append(errs, walk(v.Field(i), path+"."+v.Type().Field(i).Name)...)
			}
		}
	}

	if !v.IsValid() {
		return errs
	}
	// Validate may be declared on either the value or the pointer receiver.
	ptr := reflect.New(v.Type())
	ptr.Elem().Set(v)
	if validatable, ok := ptr.Interface().(Validatable); ok {
		for _, err := range validatable.Validate() {
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "error found at %s", path))
			}
		}
	}
	return errs
}

// True returns an error with the provided message if the condition is false.
func True(condition bool, msg string, args ...interface{}) error {
	if condition {
		return nil
	}
	return errors.Errorf("%s: expected true, got false", fmt.Sprintf(msg, args...))
}

// GreaterThan returns an error with the provided message unless actual > bound.
func GreaterThan[T cmp.Ordered](actual, bound T, msg string, args ...interface{}) error {
	if actual > bound {
		return nil
	}
	return errors.Errorf("%s: %v is not greater than %v", fmt.Sprintf(msg, args...), actual, bound)
}

// GreaterThanOrEqualTo returns an error with the provided message unless actual >= bound.
func GreaterThanOrEqualTo[T cmp.Ordered](actual, bound T, msg string, args ...interface{}) error {
	if actual >= bound {
		return nil
	}
	return errors.Errorf("%s: %v is less than %v", fmt.Sprintf(msg, args...), actual, bound)
}

// In returns an error unless actual is one of the allowed values.
func In[T comparable](actual T, allowed []T, msg string, args ...interface{}) error {
	for _, a := range allowed {
		if a == actual {
			return nil
		}
	}
	return errors.Errorf("%s: %v not in %v", fmt.Sprintf(msg, args...), actual, allowed)
}
