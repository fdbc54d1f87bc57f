// Package envelope pairs a message with its position and an optional
// acknowledgement callback.
package envelope

import (
	"sync"

	"github.com/drblury/flowbind/internal/runtime/offset"
)

// Envelope carries a message, its offset (None when unset) and an optional
// commit callback. Copies of an envelope share the callback, which runs at most
// once across all of them.
type Envelope[M any] struct {
	Message M
	Offset  offset.Offset

	commit *commitOnce
}

type commitOnce struct {
	once sync.Once
	fn   func()
}

// New wraps msg without an offset.
func New[M any](msg M) Envelope[M] {
	return Envelope[M]{Message: msg}
}

// WithOffset wraps msg at the given offset.
func WithOffset[M any](msg M, off offset.Offset) Envelope[M] {
	return Envelope[M]{Message: msg, Offset: off}
}

// WithCommit returns a copy of e whose Commit invokes fn. A nil fn removes the
// callback.
func (e Envelope[M]) WithCommit(fn func()) Envelope[M] {
	if fn == nil {
		e.commit = nil
		return e
	}
	e.commit = &commitOnce{fn: fn}
	return e
}

// Commit signals that this message, and every message with a lesser offset on
// the same partition, has been processed. Envelopes without a callback ignore
// the call.
func (e Envelope[M]) Commit() {
	if e.commit == nil {
		return
	}
	e.commit.once.Do(e.commit.fn)
}

// Committable reports whether Commit has an effect.
func (e Envelope[M]) Committable() bool {
	return e.commit != nil
}

// Map transforms the message while keeping the offset and commit callback.
func Map[M, N any](e Envelope[M], fn func(M) N) Envelope[N] {
	return Envelope[N]{Message: fn(e.Message), Offset: e.Offset, commit: e.commit}
}
