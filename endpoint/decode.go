package endpoint

import (
	"encoding"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit caps the byte length of any single decoded value unless
// the field carries its own maxLength tag.
const defaultFieldLimit = 16 * 1024

// maxFormBytes caps the size of url-encoded form bodies.
const maxFormBytes = 1 << 20

// sources lists the supported struct tags in precedence order.
var sources = []string{"path", "query", "form", "header", "cookie"}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// Unmarshal binds request data into dst, a non-nil pointer to a struct.
//
// Fields are bound from struct tags:
//
//	`path:"name"`   r.PathValue(name)
//	`query:"name"`  URL query
//	`form:"name"`   url-encoded POST body
//	`header:"name"` request header
//	`cookie:"name"` cookie value
//
// An empty name defaults to the lowercased field name, "-" skips the source.
// When several sources carry a value the first in the list above wins.
// Missing values leave the field untouched. `maxLength:"n"` overrides the
// default 16KiB per-value limit; "0" disables it.
//
// Supported field types are strings, bools, integers, floats, slices of
// those, and encoding.TextUnmarshaler implementations.
func Unmarshal(r *http.Request, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	if needsForm(root.Type()) && r.Body != nil && r.Method != http.MethodGet {
		r.Body = http.MaxBytesReader(nil, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			return Error(http.StatusBadRequest, "malformed form", err)
		}
	}
	return decodeStruct(r, root)
}

func needsForm(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if _, ok := sf.Tag.Lookup("form"); ok {
			return true
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && needsForm(sf.Type) {
			return true
		}
	}
	return false
}

func decodeStruct(r *http.Request, sv reflect.Value) error {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		fv := sv.Field(i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := decodeStruct(r, fv); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		values, ok := lookup(r, sf)
		if !ok {
			continue
		}
		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", err)
		}
		for _, s := range values {
			if limit > 0 && len(s) > limit {
				return Error(http.StatusBadRequest, fmt.Sprintf("%s exceeds maximum length of %d", sf.Name, limit), nil)
			}
		}
		if err := setField(fv, values); err != nil {
			return Error(http.StatusBadRequest, fmt.Sprintf("invalid value for %s", sf.Name), err)
		}
	}
	return nil
}

func lookup(r *http.Request, sf reflect.StructField) ([]string, bool) {
	for _, src := range sources {
		tag, ok := sf.Tag.Lookup(src)
		if !ok || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		switch src {
		case "path":
			if v := r.PathValue(name); v != "" {
				return []string{v}, true
			}
		case "query":
			if vs, ok := r.URL.Query()[name]; ok {
				return vs, true
			}
		case "form":
			if vs, ok := r.PostForm[name]; ok {
				return vs, true
			}
		case "header":
			if vs := r.Header.Values(name); len(vs) > 0 {
				return vs, true
			}
		case "cookie":
			if c, err := r.Cookie(name); err == nil {
				return []string{c.Value}, true
			}
		}
	}
	return nil, false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: decode: invalid maxLength %q on %s", tag, sf.Name)
	}
	return n, nil
}

func setField(fv reflect.Value, values []string) error {
	if fv.Kind() == reflect.Slice && !implementsText(fv) {
		out := reflect.MakeSlice(fv.Type(), len(values), len(values))
		for i, s := range values {
			if err := setScalar(out.Index(i), s); err != nil {
				return err
			}
		}
		fv.Set(out)
		return nil
	}
	return setScalar(fv, values[0])
}

func implementsText(v reflect.Value) bool {
	return reflect.PointerTo(v.Type()).Implements(textUnmarshalerType)
}

func setScalar(v reflect.Value, s string) error {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setScalar(v.Elem(), s)
	}
	if v.CanAddr() {
		if tu, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return tu.UnmarshalText([]byte(s))
		}
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		if s == "" || s == "on" {
			v.SetBool(s == "on")
			return nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("endpoint: decode: unsupported kind %s", v.Kind())
	}
	return nil
}
