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
)

type contextKey int

const (
	_ = contextKey(iota)
	handlerKey
)

// WithHandler returns a context that makes Install route calls of the hooked
// method to h instead of the engine's default handler.
func WithHandler(ctx context.Context, h Handler) context.Context {
	return context.WithValue(ctx, handlerKey, h)
}

func handlerFrom(ctx context.Context) (Handler, bool) {
	if ctx == nil {
		return nil, false
	}
	h, ok := ctx.Value(handlerKey).(Handler)
	return h, ok
}

// LookupContext returns the auxiliary context a target was hooked with, or
// nil if the target is not hooked by this engine.
func (e *Engine) LookupContext(target uintptr) context.Context {
	h, ok := e.hooks.get(target)
	if !ok {
		return nil
	}
	return h.ctx
}
