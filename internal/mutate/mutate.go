// Package mutate defines the embedder contract spec.md §9 requires: the
// core is polymorphic over an opaque mutation type M and a user-supplied
// mutator capable of applying M to a transaction deterministically. Neither
// this package nor anything that depends on it inspects M's structure;
// there is no reflection here, only generics and an interface.
package mutate

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aggregat4/rowsync/internal/storage"
)

// Mutator applies a mutation of type M against an open transaction. A
// mutator may run any number of statements against tx (spec.md §9 design
// note, grounded in original_source's reducer.rs, where a single mutation
// can drive many query/exec round-trips against one transaction).
type Mutator[M any] interface {
	Apply(ctx context.Context, tx *storage.Tx, m M) error
}

// MutatorFunc adapts a plain function to a Mutator.
type MutatorFunc[M any] func(ctx context.Context, tx *storage.Tx, m M) error

// Apply implements Mutator.
func (f MutatorFunc[M]) Apply(ctx context.Context, tx *storage.Tx, m M) error {
	return f(ctx, tx, m)
}

// Codec serializes and deserializes mutations of type M, both for the
// journal's on-disk format and for wire transmission. Mutations are opaque
// per spec.md §1; embedders may supply their own codec.
type Codec[M any] interface {
	Encode(m M) ([]byte, error)
	Decode(data []byte) (M, error)
}

// JSONCodec is the default Codec, marshaling M with encoding/json — the
// same envelope style the teacher repo uses for Op.Payload
// (json.RawMessage).
type JSONCodec[M any] struct{}

// Encode implements Codec.
func (JSONCodec[M]) Encode(m M) ([]byte, error) {
	return json.Marshal(m)
}

// CodecEqual builds a journal.WithEqual comparison function out of a Codec,
// for embedders whose M isn't comparable-by-value: two mutations are equal
// if they encode to the same bytes. An encode failure on either side is
// treated as "not equal", so a divergence is reported rather than silently
// trusted (spec.md §4.1's divergence check must fail closed).
func CodecEqual[M any](codec Codec[M]) func(a, b M) bool {
	return func(a, b M) bool {
		encA, errA := codec.Encode(a)
		encB, errB := codec.Encode(b)
		if errA != nil || errB != nil {
			return false
		}
		return bytes.Equal(encA, encB)
	}
}

// Decode implements Codec.
func (JSONCodec[M]) Decode(data []byte) (M, error) {
	var m M
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}
