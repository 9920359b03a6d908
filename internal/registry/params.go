package registry

import (
	"fmt"
	"net/url"
	"strconv"
)

// Params holds the validated values for one invocation, keyed by the
// canonical parameter name.
type Params map[string]any

func (p Params) Str(name string) string {
	v, _ := p[name].(string)
	return v
}

func (p Params) Int(name string) int64 {
	v, _ := p[name].(int64)
	return v
}

func (p Params) Uint(name string) uint64 {
	v, _ := p[name].(uint64)
	return v
}

// Has reports whether the parameter was supplied (or defaulted).
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// ParamErrorKind distinguishes the three ways a query can fail validation.
type ParamErrorKind int

const (
	ParamMissing ParamErrorKind = iota
	ParamMalformed
	ParamOutOfRange
)

// ParamError reports which parameter failed and how.
type ParamError struct {
	Kind    ParamErrorKind
	Param   string
	Message string
}

func (e *ParamError) Error() string {
	return e.Message
}

func missingErr(name string) *ParamError {
	return &ParamError{Kind: ParamMissing, Param: name, Message: fmt.Sprintf("missing %q parameter", name)}
}

func malformedErr(name, detail string) *ParamError {
	return &ParamError{Kind: ParamMalformed, Param: name, Message: fmt.Sprintf("invalid %q: %s", name, detail)}
}

func rangeErr(name, detail string) *ParamError {
	return &ParamError{Kind: ParamOutOfRange, Param: name, Message: fmt.Sprintf("%q out of range: %s", name, detail)}
}

// ParamSpec declares one parameter of a command: how to parse the raw
// query value into its domain type and which bounds apply.
type ParamSpec struct {
	Name     string
	Aliases  []string
	Required bool
	Default  any                        // used when absent and not required
	Parse    func(string) (any, error)  // raw string -> domain value
	Check    func(any) *ParamError      // domain bounds; nil means any value
}

// StrParam declares a free-form string parameter.
func StrParam(name string, required bool, aliases ...string) ParamSpec {
	return ParamSpec{
		Name:     name,
		Aliases:  aliases,
		Required: required,
		Parse:    func(s string) (any, error) { return s, nil },
	}
}

// UintParam declares an unsigned integer parameter bounded to [min, max].
func UintParam(name string, required bool, def, min, max uint64, aliases ...string) ParamSpec {
	spec := ParamSpec{
		Name:     name,
		Aliases:  aliases,
		Required: required,
		Parse: func(s string) (any, error) {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
		Check: func(v any) *ParamError {
			u := v.(uint64)
			if u < min || u > max {
				return rangeErr(name, fmt.Sprintf("must be between %d and %d", min, max))
			}
			return nil
		},
	}
	if !required {
		spec.Default = def
	}
	return spec
}

// IntParam declares a signed integer parameter without bounds.
func IntParam(name string, required bool, def int64, aliases ...string) ParamSpec {
	spec := ParamSpec{
		Name:     name,
		Aliases:  aliases,
		Required: required,
		Parse: func(s string) (any, error) {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	if !required {
		spec.Default = def
	}
	return spec
}

// EnumParam declares a string parameter restricted to a fixed value set.
func EnumParam(name string, required bool, def string, allowed ...string) ParamSpec {
	spec := ParamSpec{
		Name:     name,
		Required: required,
		Parse:    func(s string) (any, error) { return s, nil },
		Check: func(v any) *ParamError {
			s := v.(string)
			for _, a := range allowed {
				if s == a {
					return nil
				}
			}
			return rangeErr(name, fmt.Sprintf("must be one of %v", allowed))
		},
	}
	if !required {
		spec.Default = def
	}
	return spec
}

// ParseQuery splits a raw query string into first-value-wins pairs,
// decoding percent escapes the way the wire expects.
func ParseQuery(rawQuery string) (map[string]string, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, nil
}

// Parse validates a query map against the handler's declared params.
func Parse(h *Handler, query map[string]string) (Params, *ParamError) {
	if h.NoParams && len(query) > 0 {
		return nil, &ParamError{
			Kind:    ParamOutOfRange,
			Param:   "",
			Message: fmt.Sprintf("%s does not accept parameters", h.Path),
		}
	}
	params := make(Params, len(h.Params))
	for i := range h.Params {
		spec := &h.Params[i]
		raw, ok := query[spec.Name]
		if !ok {
			for _, alias := range spec.Aliases {
				if raw, ok = query[alias]; ok {
					break
				}
			}
		}
		if !ok || raw == "" {
			if spec.Required {
				return nil, missingErr(spec.Name)
			}
			if spec.Default != nil {
				params[spec.Name] = spec.Default
			}
			continue
		}
		value, err := spec.Parse(raw)
		if err != nil {
			return nil, malformedErr(spec.Name, "not a valid "+paramTypeName(spec)+": "+raw)
		}
		if spec.Check != nil {
			if perr := spec.Check(value); perr != nil {
				return nil, perr
			}
		}
		params[spec.Name] = value
	}
	return params, nil
}

func paramTypeName(spec *ParamSpec) string {
	switch spec.Default.(type) {
	case uint64:
		return "unsigned integer"
	case int64:
		return "integer"
	}
	// required params carry no default; probe with a sentinel parse
	if _, err := spec.Parse("x"); err != nil {
		return "number"
	}
	return "value"
}
