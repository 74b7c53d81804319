// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
)

// Variable holds the value of one model variable.
type Variable struct {
	// ParameterName is the unique name of the variable, as returned by context.Variable.ParameterName.
	ParameterName string

	// Value of the variable, of any dtype.
	Value *tensors.Tensor
}

// NewVariable creates a Variable for the given scope and name.
func NewVariable(scope, name string, value *tensors.Tensor) Variable {
	return Variable{ParameterName: context.VariableParameterNameFromScopeAndName(scope, name), Value: value}
}

// ScopeAndName splits the ParameterName. Both are empty if the ParameterName is not valid.
func (v *Variable) ScopeAndName() (scope, name string) {
	return context.VariableScopeAndNameFromParameterName(v.ParameterName)
}

// Params is an ordered snapshot of the model variables.
type Params []Variable

// NumParameters returns the total number of scalar values in the snapshot.
func (p Params) NumParameters() int {
	var n int
	for ii := range p {
		n += p[ii].Value.Size()
	}
	return n
}

// ByName returns the variable with the given ParameterName.
func (p Params) ByName(name string) (*Variable, bool) {
	for ii := range p {
		if p[ii].ParameterName == name {
			return &p[ii], true
		}
	}
	return nil, false
}

// Match checks that p holds exactly the variables of expected, with the same shapes (dtype and dimensions).
// Any difference is reported as an errkind.Load error, since p usually comes from disk.
func (p Params) Match(expected Params) error {
	if len(p) != len(expected) {
		return errkind.Errorf(errkind.Load, "checkpoint has %d variables, the model has %d", len(p), len(expected))
	}
	for ii := range expected {
		want := &expected[ii]
		got, found := p.ByName(want.ParameterName)
		if !found {
			return errkind.Errorf(errkind.Load, "checkpoint is missing variable %q", want.ParameterName)
		}
		if !got.Value.Shape().Equal(want.Value.Shape()) {
			return errkind.Errorf(errkind.Load, "variable %q has shape %s in checkpoint, the model expects %s",
				want.ParameterName, got.Value.Shape(), want.Value.Shape())
		}
	}
	return nil
}

// Equal returns whether both snapshots have the same variables, in the same order, with equal values.
func (p Params) Equal(other Params) bool {
	if len(p) != len(other) {
		return false
	}
	for ii := range p {
		if p[ii].ParameterName != other[ii].ParameterName || !p[ii].Value.Equal(other[ii].Value) {
			return false
		}
	}
	return true
}

// validate checks that every variable has a value and a well-formed, unique name.
func (p Params) validate() error {
	seen := make(map[string]bool, len(p))
	for ii := range p {
		v := &p[ii]
		if _, name := v.ScopeAndName(); name == "" {
			return errkind.Errorf(errkind.Data, "invalid variable name %q", v.ParameterName)
		}
		if v.Value == nil {
			return errkind.Errorf(errkind.Data, "variable %q has no value", v.ParameterName)
		}
		if seen[v.ParameterName] {
			return errkind.Errorf(errkind.Data, "variable %q is repeated", v.ParameterName)
		}
		seen[v.ParameterName] = true
	}
	return nil
}

// String implements fmt.Stringer.
func (p Params) String() string {
	return fmt.Sprintf("Params(%d variables, %d parameters)", len(p), p.NumParameters())
}
