package registry

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memkb/memkb/internal/expr"
	"github.com/memkb/memkb/pkg/types"
)

// exprCacheSize bounds the compiled-expression cache. Expressions are keyed
// by source text, which is immutable per schema.
const exprCacheSize = 512

// Validator checks candidate events against their event-type schema: every
// declared property must be present with its declared type (no coercion),
// and the schema's ValidationExpression, when present, must evaluate to
// true. Validation is pure; a rejected candidate is never committed and
// never affects entity aggregates.
type Validator struct {
	exprs *lru.Cache[string, *expr.Expr]
}

// NewValidator creates a Validator with an empty expression cache.
func NewValidator() (*Validator, error) {
	cache, err := lru.New[string, *expr.Expr](exprCacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to create expression cache: %w", err)
	}
	return &Validator{exprs: cache}, nil
}

// Validate checks the candidate properties against the schema and returns
// the normalised property bag. Failures wrap types.ErrValidationRejected
// with the reason.
func (v *Validator) Validate(schema *types.EventTypeSchema, props types.Properties) (types.Properties, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: no schema for candidate event", types.ErrValidationRejected)
	}

	normalised := make(types.Properties, len(schema.Properties))
	for _, def := range schema.Properties {
		raw, ok := props[def.PropertyName]
		if !ok {
			return nil, fmt.Errorf("%w: missing property %s", types.ErrValidationRejected, def.PropertyName)
		}
		val, err := types.CheckValue(def.PropertyValueType, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: property %s: %v", types.ErrValidationRejected, def.PropertyName, err)
		}
		normalised[def.PropertyName] = val
	}

	if schema.ValidationExpression != "" {
		compiled, err := v.compiled(schema.ValidationExpression)
		if err != nil {
			// The registry parses expressions at creation time, so this only
			// fires for schemas persisted before that check existed.
			return nil, fmt.Errorf("%w: validation expression: %v", types.ErrValidationRejected, err)
		}
		ok, err := compiled.Eval(normalised)
		if err != nil {
			return nil, fmt.Errorf("%w: validation expression: %v", types.ErrValidationRejected, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: validation expression %q is false", types.ErrValidationRejected, schema.ValidationExpression)
		}
	}
	return normalised, nil
}

func (v *Validator) compiled(src string) (*expr.Expr, error) {
	if e, ok := v.exprs.Get(src); ok {
		return e, nil
	}
	e, err := expr.Parse(src)
	if err != nil {
		return nil, err
	}
	v.exprs.Add(src, e)
	return e, nil
}
