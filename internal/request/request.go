// Package request decodes and validates admission payloads.
//
// Payloads are validated against an embedded CUE schema before decoding,
// so a malformed request is rejected with a precise reason and never
// reaches the lifecycle engine half-parsed.
package request

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/dvm/internal/job"
)

//go:embed schema.cue
var schemaSource string

// ErrMalformed reports a payload that does not satisfy the request
// schema. The wrapped detail names the offending field.
var ErrMalformed = errors.New("malformed request")

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
)

func schema() cue.Value {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		schemaValue = ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Request"))
	})
	return schemaValue
}

// Decode validates data against the request schema and decodes it into
// job params. Returns ErrMalformed for any schema violation.
func Decode(data []byte) (job.Params, error) {
	s := schema()
	if err := s.Err(); err != nil {
		return job.Params{}, fmt.Errorf("request schema: %w", err)
	}

	expr, err := cuejson.Extract("request.json", data)
	if err != nil {
		return job.Params{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	value := s.Context().BuildExpr(expr)
	unified := s.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return job.Params{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var params job.Params
	if err := json.Unmarshal(data, &params); err != nil {
		return job.Params{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := params.Validate(); err != nil {
		return job.Params{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return params, nil
}
