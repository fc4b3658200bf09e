// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package deadline maps context cancelation onto connection deadlines.
package deadline // import "mellium.im/koine/internal/deadline"

import (
	"context"
	"time"
)

var aLongTimeAgo = time.Unix(1, 0)

// Watch interrupts blocked reads or writes when ctx is done by calling set
// with a time in the past.
// The returned function must be called once the operation has finished.
// It clears the deadline and returns ctx.Err().
func Watch(ctx context.Context, set func(time.Time) error) (stop func() error) {
	if ctx.Done() == nil {
		return func() error { return nil }
	}
	if deadline, ok := ctx.Deadline(); ok {
		/* #nosec */
		_ = set(deadline)
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			/* #nosec */
			_ = set(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() error {
		close(done)
		<-finished
		/* #nosec */
		_ = set(time.Time{})
		return ctx.Err()
	}
}

// Finish stops a watcher and reports the context error in place of the I/O
// error it caused.
func Finish(stop func() error, err error) error {
	if ctxErr := stop(); ctxErr != nil && err != nil {
		return ctxErr
	}
	return err
}
