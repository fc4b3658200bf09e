// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"go.uber.org/zap"
)

// retryableHTTPLogger adapts a zap.Logger to the retryablehttp.LeveledLogger
// interface.
type retryableHTTPLogger struct {
	inner *zap.Logger
}

func (r retryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	r.inner.Sugar().Errorw(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
	r.inner.Sugar().Infow(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.inner.Sugar().Warnw(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.inner.Sugar().Debugw(msg, keysAndValues...)
}
