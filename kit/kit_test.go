package kit

import (
	"context"
	"errors"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}
	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}
	want := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestLogging_PassesThroughError(t *testing.T) {
	errFail := errors.New("fail")
	ep := Logging(nil, "x")(func(context.Context, any) (any, error) { return nil, errFail })
	if _, err := ep(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecover_PanicBecomesError(t *testing.T) {
	// WHAT: A panicking endpoint returns an error instead of unwinding.
	// WHY: The MCP server runs tools in-process; a panic would end it.
	ep := Chain(Logging(nil, "boom"), Recover(nil, "boom"))(func(context.Context, any) (any, error) {
		var m map[string]int
		m["x"] = 1
		return "unreachable", nil
	})
	resp, err := ep(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error from panicking endpoint")
	}
	if resp != nil {
		t.Fatalf("response: got %v, want nil", resp)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	resp, err := Recover(nil, "ok")(func(context.Context, any) (any, error) { return 7, nil })(context.Background(), nil)
	if err != nil || resp != 7 {
		t.Fatalf("got %v, %v", resp, err)
	}
}

func TestTransport(t *testing.T) {
	ctx := context.Background()
	if got := GetTransport(ctx); got != "http" {
		t.Fatalf("default transport = %q", got)
	}
	if got := GetTransport(WithTransport(ctx, "mcp")); got != "mcp" {
		t.Fatalf("transport = %q", got)
	}
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" {
		t.Fatal("empty context should have no trace id")
	}
	if got := GetTraceID(WithTraceID(ctx, "req_1")); got != "req_1" {
		t.Fatalf("got %q", got)
	}
}
