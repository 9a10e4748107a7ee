package ctxutil

import (
	"context"
	"testing"
	"time"
)

func TestWithDBTimeout_UsesShorterParentDeadline(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ctx, cancel2 := WithDBTimeout(parent)
	defer cancel2()

	dl, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if time.Until(dl) > 200*time.Millisecond {
		t.Fatalf("deadline too far: %s", time.Until(dl))
	}
}

func TestWithDBTimeout_DefaultCap(t *testing.T) {
	ctx, cancel := WithDBTimeout(context.Background())
	defer cancel()
	dl, ok := ctx.Deadline()
	if !ok || time.Until(dl) > DefaultDBTimeout {
		t.Fatalf("unexpected deadline %v %v", dl, ok)
	}
}

func TestValues(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithOp(ctx, "reserve")
	ctx = WithAdmin(ctx, "alice")

	if id, ok := RequestID(ctx); !ok || id != "req-1" {
		t.Fatalf("request id = %q %v", id, ok)
	}
	if op, ok := Op(ctx); !ok || op != "reserve" {
		t.Fatalf("op = %q %v", op, ok)
	}
	if _, ok := ClientIP(ctx); ok {
		t.Fatal("client ip should be unset")
	}
	if sub, ok := Admin(ctx); !ok || sub != "alice" {
		t.Fatalf("admin = %q %v", sub, ok)
	}
}
