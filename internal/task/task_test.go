package task

import (
	"context"
	"encoding/json"
	"testing"

	"postqueue/pkg/logx"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(logx.Nop())

	reg.Register(Func{TaskName: "a.one", Run: func(ctx context.Context, p json.RawMessage) (any, error) {
		return "one", nil
	}})

	h, err := reg.Get("a.one")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	v, err := h.Execute(context.Background(), nil)
	if err != nil || v != "one" {
		t.Fatalf("Execute = %v, %v", v, err)
	}

	if _, err := reg.Get("a.missing"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestRegistryDuplicateReplaces(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(logx.Nop())

	reg.Register(Func{TaskName: "dup", Run: func(ctx context.Context, p json.RawMessage) (any, error) {
		return 1, nil
	}})
	reg.Register(Func{TaskName: "dup", Run: func(ctx context.Context, p json.RawMessage) (any, error) {
		return 2, nil
	}})

	h, err := reg.Get("dup")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, _ := h.Execute(context.Background(), nil); v != 2 {
		t.Fatalf("later registration should win, got %v", v)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(logx.Nop())
	reg.Register(
		Func{TaskName: "b", Run: func(ctx context.Context, p json.RawMessage) (any, error) { return nil, nil }},
		Func{TaskName: "a", Run: func(ctx context.Context, p json.RawMessage) (any, error) { return nil, nil }},
	)

	names := reg.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v", names)
	}
}
