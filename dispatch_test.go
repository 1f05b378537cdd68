// This file is part of Arthook project, available at https://github.com/qrdl/arthook
// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package arthook

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invokerFunc func(c *Call) (uint64, error)

func (f invokerFunc) InvokeOriginal(c *Call) (uint64, error) { return f(c) }

func installWith(t *testing.T, ctx context.Context, cfg func(c *Config)) (*fakeVM, *Hook) {
	t.Helper()
	fv := newFakeVM(t, Build{26, 8})
	c := fv.config()
	if cfg != nil {
		cfg(&c)
	}
	e, err := New(c)
	require.NoError(t, err)
	h, err := e.Install(fv.method(t, 0, AccPublic), ctx, ^uint32(0))
	require.NoError(t, err)
	return fv, h
}

func TestDispatchRoutesToHandler(t *testing.T) {
	var calls []*Call
	handler := HandlerFunc(func(c *Call) (uint64, error) {
		calls = append(calls, c)
		a, err := c.Arg(0)
		if err != nil {
			return 0, err
		}
		return a + uint64(c.RunNumber()), nil
	})
	ctx := context.WithValue(WithHandler(context.Background(), handler), ctxKey("k"), 7)
	_, h := installWith(t, ctx, nil)

	regs := &Registers{}
	regs.X[0] = 0xe0
	regs.X[1] = 0xf0
	regs.X[2] = 40
	assert.Equal(t, uint64(40), dispatch(regs, h.Info()))
	assert.Equal(t, uint64(41), dispatch(regs, h.Info()))
	assert.Equal(t, int64(2), h.Calls())
	assert.Zero(t, h.Failures())

	require.Len(t, calls, 2)
	c := calls[0]
	assert.Same(t, h, c.Hook())
	assert.Equal(t, uintptr(0xe0), c.Env())
	assert.Equal(t, uintptr(0xf0), c.Receiver())
	assert.Equal(t, 7, c.Context().Value(ctxKey("k")))
	assert.Equal(t, h.Original(), c.Original())
}

func TestDispatchDefaultHandler(t *testing.T) {
	called := false
	_, h := installWith(t, context.Background(), func(c *Config) {
		c.Handler = HandlerFunc(func(*Call) (uint64, error) {
			called = true
			return 5, nil
		})
	})

	assert.Equal(t, uint64(5), dispatch(&Registers{}, h.Info()))
	assert.True(t, called)
}

func TestDispatchContainsFailures(t *testing.T) {
	var observed []error
	onFailure := func(c *Config) {
		c.OnFailure = func(_ *Hook, err error) { observed = append(observed, err) }
	}

	tests := map[string]Handler{
		"error": HandlerFunc(func(*Call) (uint64, error) { return 9, errors.New("boom") }),
		"panic": HandlerFunc(func(*Call) (uint64, error) { panic("handler bug") }),
	}
	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			observed = nil
			_, h := installWith(t, WithHandler(context.Background(), handler), onFailure)

			require.NotPanics(t, func() {
				assert.Zero(t, dispatch(&Registers{}, h.Info()))
			})
			assert.Equal(t, int64(1), h.Failures())
			require.Len(t, observed, 1)
		})
	}
}

func TestDispatchWithoutHandler(t *testing.T) {
	_, h := installWith(t, context.Background(), nil)
	assert.Zero(t, dispatch(&Registers{}, h.Info()))
	assert.Equal(t, int64(1), h.Failures())

	_, h = installWith(t, context.Background(), func(c *Config) {
		c.Invoker = invokerFunc(func(c *Call) (uint64, error) { return uint64(c.Original()), nil })
	})
	assert.Equal(t, uint64(h.Original()), dispatch(&Registers{}, h.Info()))
	assert.Zero(t, h.Failures())
}

func TestDispatchUnknownInfo(t *testing.T) {
	assert.Zero(t, dispatch(&Registers{}, 0xdead0))
}

func TestCallStackArguments(t *testing.T) {
	fv, h := installWith(t, context.Background(), nil)

	regs := &Registers{}
	for i := range 6 {
		regs.X[2+i] = uint64(100 + i)
	}
	stack := fv.img.Map(regs.StackPointer(), 16)
	binary.LittleEndian.PutUint64(stack[0:], 106)
	binary.LittleEndian.PutUint64(stack[8:], 107)

	c := &Call{hook: h, Regs: regs}
	for i := 0; i < 8; i++ {
		v, err := c.Arg(i)
		require.NoError(t, err)
		assert.Equal(t, uint64(100+i), v)
	}
	_, err := c.Arg(8)
	require.Error(t, err)
	_, err = c.Arg(-1)
	require.Error(t, err)
}
