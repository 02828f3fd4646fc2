package codec

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
)

// marshalJSON is json.Marshal, except that a reference loop is cut instead of
// failing: a struct field or map entry pointing back at one of its own
// ancestors is left out and a slice element doing so is written as null.
func marshalJSON(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err == nil || !isCycle(err) {
		return out, err
	}
	t := &truncator{path: make(map[pathKey]struct{})}
	tree, _ := t.value(reflect.ValueOf(v))
	return json.Marshal(tree)
}

func isCycle(err error) bool {
	var uve *json.UnsupportedValueError
	return errors.As(err, &uve) && strings.HasPrefix(uve.Str, "encountered a cycle")
}

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

type pathKey struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

// truncator copies a value into a tree of plain JSON shapes, tracking the
// references on the current path from the root.
type truncator struct {
	path map[pathKey]struct{}
}

func (t *truncator) enter(rv reflect.Value, n int) (func(), bool) {
	k := pathKey{ptr: rv.Pointer(), typ: rv.Type(), n: n}
	if _, ok := t.path[k]; ok {
		return nil, false
	}
	t.path[k] = struct{}{}
	return func() { delete(t.path, k) }, true
}

// value reports false when rv closes a loop and must be cut.
func (t *truncator) value(rv reflect.Value) (any, bool) {
	if !rv.IsValid() {
		return nil, true
	}
	if !rv.CanInterface() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, true
		}
	}
	if rv.Kind() != reflect.Interface && rv.Type().Implements(jsonMarshalerType) {
		return rv.Interface(), true
	}
	if rv.CanAddr() && reflect.PointerTo(rv.Type()).Implements(jsonMarshalerType) {
		return rv.Addr().Interface(), true
	}

	switch rv.Kind() {
	case reflect.Interface:
		return t.value(rv.Elem())
	case reflect.Pointer:
		leave, ok := t.enter(rv, 0)
		if !ok {
			return nil, false
		}
		defer leave()
		return t.value(rv.Elem())
	case reflect.Struct:
		obj := make(object, 0, rv.NumField())
		t.fields(rv, &obj)
		return obj, true
	case reflect.Map:
		leave, ok := t.enter(rv, 0)
		if !ok {
			return nil, false
		}
		defer leave()
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			name, err := mapKey(iter.Key())
			if err != nil {
				return rv.Interface(), true
			}
			if v, ok := t.value(iter.Value()); ok {
				out[name] = v
			}
		}
		return out, true
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), true
		}
		leave, ok := t.enter(rv, rv.Len())
		if !ok {
			return nil, false
		}
		defer leave()
		return t.elems(rv), true
	case reflect.Array:
		return t.elems(rv), true
	default:
		return rv.Interface(), true
	}
}

func (t *truncator) elems(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i], _ = t.value(rv.Index(i))
	}
	return out
}

// fields follows the usual json struct tag rules: "-" skips a field, a name
// renames it, omitempty drops empty values and untagged embedded structs are
// inlined.
func (t *truncator) fields(rv reflect.Value, obj *object) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				t.fields(fv, obj)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		if v, ok := t.value(fv); ok {
			*obj = append(*obj, field{name: name, value: v})
		}
	}
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}

func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.Type().Implements(textMarshalerType) {
		b, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		return string(b), err
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", errors.New("unsupported map key type " + k.Type().String())
}

type field struct {
	name  string
	value any
}

// object keeps struct fields in declaration order.
type object []field

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
