// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errkind

import (
	"errors"
	"fmt"
	"os"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	_, statErr := os.Stat("/non/existent/path/for/errkind")
	require.Error(t, statErr)

	err := Wrapf(Load, statErr, "checkpoint %q", "/non/existent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, Load))
	assert.False(t, errors.Is(err, IO))
	assert.True(t, errors.Is(err, os.ErrNotExist), "wrapped error must still be reachable")
	assert.Contains(t, err.Error(), "load error")
	assert.Contains(t, err.Error(), "/non/existent")

	kind, ok := Of(pkgerrors.WithMessage(err, "resuming"))
	require.True(t, ok)
	assert.Equal(t, Load, kind)

	_, ok = Of(statErr)
	assert.False(t, ok)

	assert.NoError(t, Wrapf(IO, nil, "nothing"))
}

func TestErrorfStack(t *testing.T) {
	err := Errorf(Config, "flag -%s is required", "net")
	assert.Equal(t, "config error: flag -net is required", err.Error())
	withStack := fmt.Sprintf("%+v", err)
	assert.Contains(t, withStack, "TestErrorfStack")
	assert.True(t, errors.Is(New(Data, "bad batch"), Data))
}
