package narrative

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyProvider struct {
	failures int
	calls    int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) NextTurn(ctx context.Context, req Request) (Result, error) {
	p.calls++
	if p.calls <= p.failures {
		return Result{}, errors.New("transient")
	}
	return Result{}, nil
}

func TestCallRetriesOnce(t *testing.T) {
	p := &flakyProvider{failures: 1}
	if _, err := Call(context.Background(), p, Request{}, time.Second); err != nil {
		t.Fatalf("one failure should be retried: %v", err)
	}
	if p.calls != 2 {
		t.Fatalf("calls=%d want 2", p.calls)
	}

	p = &flakyProvider{failures: 2}
	if _, err := Call(context.Background(), p, Request{}, time.Second); err == nil {
		t.Fatal("two failures must fail the turn")
	}
	if p.calls != 2 {
		t.Fatalf("calls=%d want exactly 2, no unbounded retry", p.calls)
	}
}

func TestCallStopsWhenCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &flakyProvider{failures: 10}
	if _, err := Call(ctx, p, Request{}, time.Second); err == nil {
		t.Fatal("cancelled context must fail")
	}
	if p.calls != 1 {
		t.Fatalf("calls=%d want 1, no retry after cancellation", p.calls)
	}
}

func TestRegistry(t *testing.T) {
	if err := Register("", nil); err == nil {
		t.Fatal("empty name must be rejected")
	}
	name := "test-provider"
	if err := Register(name, func(ctx context.Context, cfg map[string]any) (Provider, error) {
		return &flakyProvider{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := Register(name, func(ctx context.Context, cfg map[string]any) (Provider, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if _, ok := Resolve(name); !ok {
		t.Fatal("registered factory not resolvable")
	}
	if _, ok := Resolve("nope"); ok {
		t.Fatal("unknown factory resolved")
	}
}
