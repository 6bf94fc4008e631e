package handlers

import (
	"context"
	"sort"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", func(_ context.Context, _ Job) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	h, ok := r.Lookup("noop")
	if !ok {
		t.Fatal("expected noop to be registered")
	}
	result, err := h(context.Background(), Job{ID: "j1", Op: "noop"})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestLookupMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("does-not-exist"); ok {
		t.Fatal("expected Lookup to report not found")
	}
}

func TestRegisterLastWriterWins(t *testing.T) {
	r := NewRegistry()
	r.Register("op", func(_ context.Context, _ Job) (map[string]any, error) {
		return map[string]any{"which": "first"}, nil
	})
	r.Register("op", func(_ context.Context, _ Job) (map[string]any, error) {
		return map[string]any{"which": "second"}, nil
	})

	h, _ := r.Lookup("op")
	result, _ := h(context.Background(), Job{})
	if result["which"] != "second" {
		t.Fatalf("expected last registration to win, got %+v", result)
	}
}

func TestErrNoHandlerMessage(t *testing.T) {
	err := ErrNoHandler("sum")
	if err.Error() != "No handler for op=sum" {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
}

func TestOpsListsRegisteredOperations(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	ops := r.Ops()
	sort.Strings(ops)
	if len(ops) != 2 || ops[0] != "subtract" || ops[1] != "sum" {
		t.Fatalf("unexpected ops list: %v", ops)
	}
}
