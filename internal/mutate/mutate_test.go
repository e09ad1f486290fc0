package mutate

import (
	"context"
	"errors"
	"testing"

	"github.com/aggregat4/rowsync/internal/storage"
)

func TestMutatorFuncAdaptsPlainFunction(t *testing.T) {
	var seen string
	var m Mutator[string] = MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, v string) error {
		seen = v
		return nil
	})
	if err := m.Apply(context.Background(), nil, "hello"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if seen != "hello" {
		t.Fatalf("got %q want %q", seen, "hello")
	}
}

func TestMutatorFuncPropagatesError(t *testing.T) {
	want := errors.New("boom")
	var m Mutator[string] = MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, v string) error {
		return want
	})
	if err := m.Apply(context.Background(), nil, "x"); err != want {
		t.Fatalf("got %v want %v", err, want)
	}
}

type kv struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := JSONCodec[kv]{}
	in := kv{Key: "a", Value: 1}

	data, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestJSONCodecDecodeRejectsMalformedInput(t *testing.T) {
	codec := JSONCodec[kv]{}
	if _, err := codec.Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected a decode error")
	}
}
