// Package schema validates audit parameters against the CUE schema a
// strategy declares. Validation is strict: declared defaults are
// injected into the result and any property the schema does not name is
// rejected.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// parametersPath is the definition a strategy schema declares its
// parameters under. Definitions are closed, so undeclared fields fail
// unification.
const parametersPath = "#Parameters"

// Validator compiles and caches strategy parameter schemas.
type Validator struct {
	ctx *cue.Context

	mu       sync.Mutex
	compiled map[string]cue.Value
}

// NewValidator creates a validator with an empty schema cache.
func NewValidator() *Validator {
	return &Validator{
		ctx:      cuecontext.New(),
		compiled: map[string]cue.Value{},
	}
}

// Validate checks params against the schema and returns the parameters
// with declared defaults filled in. A nil params document validates as
// an empty object.
func (v *Validator) Validate(schema string, params json.RawMessage) (json.RawMessage, error) {
	def, err := v.compile(schema)
	if err != nil {
		return nil, err
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	data := v.ctx.CompileBytes(params)
	if err := data.Err(); err != nil {
		return nil, core.NewPermanentError("audit parameters are not valid JSON", err).
			WithCode(core.ErrCodeParameterInvalid)
	}

	unified := def.Unify(data)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return nil, core.NewPermanentError(fmt.Sprintf("audit parameters rejected: %v", err), err).
			WithCode(core.ErrCodeParameterInvalid)
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, core.NewPermanentError("failed to export validated parameters", err).
			WithCode(core.ErrCodeParameterInvalid)
	}
	return out, nil
}

// compile resolves the schema's parameters definition, caching by the
// schema text.
func (v *Validator) compile(schema string) (cue.Value, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if def, ok := v.compiled[schema]; ok {
		return def, nil
	}

	compiled := v.ctx.CompileString(schema)
	if err := compiled.Err(); err != nil {
		return cue.Value{}, core.NewPermanentError("failed to compile parameter schema", err).
			WithCode(core.ErrCodeConfiguration)
	}

	def := compiled.LookupPath(cue.ParsePath(parametersPath))
	if !def.Exists() {
		return cue.Value{}, core.NewPermanentError(
			fmt.Sprintf("parameter schema declares no %s definition", parametersPath), nil).
			WithCode(core.ErrCodeConfiguration)
	}

	v.compiled[schema] = def
	return def, nil
}
