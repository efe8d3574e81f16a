package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("validation failed")

// FieldError reports the first rule a field broke.
type FieldError struct {
	Field string
	Rule  string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *FieldError) Unwrap() error { return ErrInvalid }

// Validator checks struct fields against their `validate` tags.
//
// Supported rules: required, min=N, max=N, len=N, hex, oneof=a b c.
// min, max and len apply to the length of strings, slices and maps and to
// the value of numbers. Nested structs are checked recursively.
type Validator struct {
	tag string
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{tag: "validate"}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return fmt.Errorf("%w: nil value", ErrInvalid)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("%w: validate expects a struct, got %s", ErrInvalid, val.Kind())
	}
	return v.validateStruct(val, "")
}

func (v *Validator) validateStruct(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}
		field := val.Field(i)
		name := prefix + fieldType.Name

		if tag := fieldType.Tag.Get(v.tag); tag != "" && tag != "-" {
			if err := v.validateField(field, name, tag); err != nil {
				return err
			}
		}
		if field.Kind() == reflect.Struct {
			if err := v.validateStruct(field, name+"."); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, name, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		ruleName, arg, _ := strings.Cut(strings.TrimSpace(rule), "=")

		// Optional fields skip the remaining rules when empty.
		if ruleName != "required" && field.IsZero() && !strings.Contains(tag, "required") {
			return nil
		}

		switch ruleName {
		case "required":
			if field.IsZero() {
				return &FieldError{Field: name, Rule: ruleName, Msg: "field is required"}
			}

		case "min", "max", "len":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("%s: bad %s rule %q", name, ruleName, arg)
			}
			size, ok := measure(field)
			if !ok {
				return fmt.Errorf("%s: %s rule on %s", name, ruleName, field.Kind())
			}
			switch {
			case ruleName == "min" && size < limit:
				return &FieldError{Field: name, Rule: ruleName, Msg: "minimum is " + arg}
			case ruleName == "max" && size > limit:
				return &FieldError{Field: name, Rule: ruleName, Msg: "maximum is " + arg}
			case ruleName == "len" && size != limit:
				return &FieldError{Field: name, Rule: ruleName, Msg: "length must be " + arg}
			}

		case "hex":
			if field.Kind() != reflect.String {
				return fmt.Errorf("%s: hex rule on %s", name, field.Kind())
			}
			if _, err := hex.DecodeString(field.String()); err != nil {
				return &FieldError{Field: name, Rule: ruleName, Msg: "invalid hex string"}
			}

		case "oneof":
			got := fmt.Sprint(field.Interface())
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if strings.EqualFold(a, got) {
					found = true
					break
				}
			}
			if !found {
				return &FieldError{Field: name, Rule: ruleName, Msg: "must be one of " + strings.Join(allowed, ", ")}
			}

		case "":
		default:
			return fmt.Errorf("%s: unknown rule %q", name, ruleName)
		}
	}
	return nil
}

func measure(field reflect.Value) (float64, bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return float64(field.Len()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), true
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	}
	return 0, false
}
