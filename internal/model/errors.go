package model

import (
	"errors"
	"fmt"
)

// ErrDefinition marks any malformed model source: duplicate names,
// unresolved symbols, cyclic constants, or states/ODE mismatch. All
// definition problems are caught at load time, before any solve.
var ErrDefinition = errors.New("model: invalid definition")

// DefinitionError carries the model name and what was wrong with it.
type DefinitionError struct {
	Model string
	Msg   string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("model %q: %s", e.Model, e.Msg)
}

func (e *DefinitionError) Unwrap() error { return ErrDefinition }

func defErrf(model, format string, args ...any) error {
	return &DefinitionError{Model: model, Msg: fmt.Sprintf(format, args...)}
}
