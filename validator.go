package stride

import (
	"fmt"
	"reflect"
	"regexp"
	"unicode/utf8"
)

// ValidatorKind selects the check a ParameterValidator performs.
type ValidatorKind string

const (
	ValidatorRegex  ValidatorKind = "regex"
	ValidatorRange  ValidatorKind = "range"
	ValidatorEnum   ValidatorKind = "enum"
	ValidatorLength ValidatorKind = "length"
	ValidatorCustom ValidatorKind = "custom"
)

// ParameterValidator checks one resolved argument value. The Kind field
// selects which of the remaining fields apply. Custom validators are code-only
// and excluded from serialization.
type ParameterValidator struct {
	Kind      ValidatorKind         `json:"kind"`
	Pattern   string                `json:"pattern,omitempty"`
	Min       *float64              `json:"min,omitempty"`
	Max       *float64              `json:"max,omitempty"`
	Enum      []any                 `json:"enum,omitempty"`
	MinLength *int                  `json:"min_length,omitempty"`
	MaxLength *int                  `json:"max_length,omitempty"`
	Check     func(value any) error `json:"-"`

	regex *regexp.Regexp
}

// NewRegexValidator checks that a string value matches the pattern.
func NewRegexValidator(pattern string) *ParameterValidator {
	return &ParameterValidator{Kind: ValidatorRegex, Pattern: pattern}
}

// NewRangeValidator checks that a numeric value lies within the inclusive
// bounds. Either bound may be nil (unbounded on that side).
func NewRangeValidator(min, max *float64) *ParameterValidator {
	return &ParameterValidator{Kind: ValidatorRange, Min: min, Max: max}
}

// NewEnumValidator checks that the value equals one of the given values.
func NewEnumValidator(values ...any) *ParameterValidator {
	return &ParameterValidator{Kind: ValidatorEnum, Enum: values}
}

// NewLengthValidator checks the length of a string (in runes) or array.
// Either bound may be nil.
func NewLengthValidator(min, max *int) *ParameterValidator {
	return &ParameterValidator{Kind: ValidatorLength, MinLength: min, MaxLength: max}
}

// NewCustomValidator wraps an arbitrary check function.
func NewCustomValidator(check func(value any) error) *ParameterValidator {
	return &ParameterValidator{Kind: ValidatorCustom, Check: check}
}

// Compile validates the validator's configuration and prepares any regex.
// Safe to call more than once.
func (v *ParameterValidator) Compile() error {
	switch v.Kind {
	case ValidatorRegex:
		if v.Pattern == "" {
			return fmt.Errorf("regex validator requires a pattern")
		}
		regex, err := regexp.Compile(v.Pattern)
		if err != nil {
			return fmt.Errorf("invalid validator pattern %q: %w", v.Pattern, err)
		}
		v.regex = regex
	case ValidatorRange:
		if v.Min == nil && v.Max == nil {
			return fmt.Errorf("range validator requires a bound")
		}
	case ValidatorEnum:
		if len(v.Enum) == 0 {
			return fmt.Errorf("enum validator requires values")
		}
	case ValidatorLength:
		if v.MinLength == nil && v.MaxLength == nil {
			return fmt.Errorf("length validator requires a bound")
		}
	case ValidatorCustom:
		if v.Check == nil {
			return fmt.Errorf("custom validator requires a check function")
		}
	default:
		return fmt.Errorf("unknown validator kind %q", v.Kind)
	}
	return nil
}

// Validate applies the check to a resolved argument value.
func (v *ParameterValidator) Validate(value any) error {
	switch v.Kind {
	case ValidatorRegex:
		text, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		regex := v.regex
		if regex == nil {
			compiled, err := regexp.Compile(v.Pattern)
			if err != nil {
				return fmt.Errorf("invalid validator pattern %q: %w", v.Pattern, err)
			}
			regex = compiled
		}
		if !regex.MatchString(text) {
			return fmt.Errorf("value %q does not match pattern %q", text, v.Pattern)
		}
	case ValidatorRange:
		number, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		if v.Min != nil && number < *v.Min {
			return fmt.Errorf("value %v below minimum %v", number, *v.Min)
		}
		if v.Max != nil && number > *v.Max {
			return fmt.Errorf("value %v above maximum %v", number, *v.Max)
		}
	case ValidatorEnum:
		for _, allowed := range v.Enum {
			if looseEqual(value, allowed) {
				return nil
			}
		}
		return fmt.Errorf("value %v is not one of the allowed values", value)
	case ValidatorLength:
		length, ok := valueLength(value)
		if !ok {
			return fmt.Errorf("expected string or array, got %T", value)
		}
		if v.MinLength != nil && length < *v.MinLength {
			return fmt.Errorf("length %d below minimum %d", length, *v.MinLength)
		}
		if v.MaxLength != nil && length > *v.MaxLength {
			return fmt.Errorf("length %d above maximum %d", length, *v.MaxLength)
		}
	case ValidatorCustom:
		if v.Check == nil {
			return fmt.Errorf("custom validator has no check function")
		}
		return v.Check(value)
	default:
		return fmt.Errorf("unknown validator kind %q", v.Kind)
	}
	return nil
}

// ValidateArgument runs all validators configured for the named parameter,
// returning the first failure.
func (c *ToolConfig) ValidateArgument(name string, value any) error {
	for _, validator := range c.ParameterValidators[name] {
		if err := validator.Validate(value); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// looseEqual compares values after normalizing numeric types, so a JSON
// float64 equals an int enum entry with the same value.
func looseEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func valueLength(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return utf8.RuneCountInString(v), true
	case []any:
		return len(v), true
	case []string:
		return len(v), true
	}
	return 0, false
}
