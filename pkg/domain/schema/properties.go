package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
)

// ToPropertiesMap converts a value to a flat string-keyed property map.
// Scalar struct fields format directly; nested objects, slices and maps
// serialize as JSON strings. Values without per-property structure (maps,
// scalars, nil) serialize as JSON under the conventional result key.
func (s *Service) ToPropertiesMap(v any) map[string]string {
	props := make(map[string]string)
	if v == nil {
		return props
	}

	// A string map is already in wire shape.
	if m, ok := v.(map[string]string); ok {
		for k, val := range m {
			props[k] = val
		}
		return props
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return props
		}
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		props[ResultKey] = jsonString(rv.Interface())
		return props
	}

	s.flattenStruct(rv, props)
	return props
}

func (s *Service) flattenStruct(rv reflect.Value, props map[string]string) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		value := rv.Field(i)
		if field.Anonymous {
			for value.Kind() == reflect.Pointer && !value.IsNil() {
				value = value.Elem()
			}
			if value.Kind() == reflect.Struct {
				s.flattenStruct(value, props)
			}
			continue
		}

		name := propertyName(field)
		if name == "-" {
			continue
		}
		for value.Kind() == reflect.Pointer {
			if value.IsNil() {
				value = reflect.Value{}
				break
			}
			value = value.Elem()
		}
		if !value.IsValid() {
			continue
		}

		switch value.Kind() {
		case reflect.String:
			props[name] = value.String()
		case reflect.Bool:
			props[name] = strconv.FormatBool(value.Bool())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			props[name] = strconv.FormatInt(value.Int(), 10)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			props[name] = strconv.FormatUint(value.Uint(), 10)
		case reflect.Float32, reflect.Float64:
			props[name] = strconv.FormatFloat(value.Float(), 'f', -1, 64)
		default:
			props[name] = jsonString(value.Interface())
		}
	}
}

// FromPropertiesMap builds a value of type t from a string property map,
// inverting ToPropertiesMap for schema-conformant maps.
func (s *Service) FromPropertiesMap(t reflect.Type, props map[string]string) (any, error) {
	t = baseType(t)

	if t.Kind() != reflect.Struct {
		raw, ok := props[ResultKey]
		if !ok {
			return nil, conversionError(t, ResultKey, nil)
		}
		out := reflect.New(t)
		if err := json.Unmarshal([]byte(raw), out.Interface()); err != nil {
			return nil, conversionError(t, ResultKey, err)
		}
		return out.Elem().Interface(), nil
	}

	out := reflect.New(t).Elem()
	if err := s.fillStruct(out, props); err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

func (s *Service) fillStruct(rv reflect.Value, props map[string]string) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		target := rv.Field(i)
		if field.Anonymous {
			if target.Kind() == reflect.Struct {
				if err := s.fillStruct(target, props); err != nil {
					return err
				}
			}
			continue
		}

		name := propertyName(field)
		raw, ok := props[name]
		if !ok {
			if field.Tag.Get("required") == "true" {
				return conversionError(t, name, fmt.Errorf("required property missing"))
			}
			continue
		}

		if target.Kind() == reflect.Pointer {
			target.Set(reflect.New(target.Type().Elem()))
			target = target.Elem()
		}

		if err := setScalar(target, raw); err != nil {
			return conversionError(t, name, err)
		}
	}
	return nil
}

func setScalar(target reflect.Value, raw string) error {
	switch target.Kind() {
	case reflect.String:
		target.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		target.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		target.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		target.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		target.SetFloat(f)
	default:
		return json.Unmarshal([]byte(raw), target.Addr().Interface())
	}
	return nil
}

func conversionError(t reflect.Type, key string, cause error) error {
	return errors.New(
		errors.CodeTypeConversionFailed,
		"schema",
		fmt.Sprintf("cannot convert property %q for type %s", key, t.String()),
		cause,
	)
}

func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
