package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/webhook"
)

// countingStore counts ResolveActive calls on top of a fixed result.
type countingStore struct {
	webhook.Store
	hooks []*webhook.Webhook
	calls int
}

func (s *countingStore) ResolveActive(_ context.Context, _, _ string) ([]*webhook.Webhook, error) {
	s.calls++
	return s.hooks, nil
}

func TestIndexCachesPerWorkspaceAndKind(t *testing.T) {
	st := &countingStore{hooks: []*webhook.Webhook{{ID: id.NewWebhookID(), Events: []string{"*"}}}}
	idx := webhook.NewIndex(st, time.Minute)

	for range 3 {
		got, err := idx.Resolve(ctx(), "ws-1", "task.created")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 webhook, got %d", len(got))
		}
	}
	if st.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", st.calls)
	}

	_, _ = idx.Resolve(ctx(), "ws-1", "task.deleted")
	_, _ = idx.Resolve(ctx(), "ws-2", "task.created")
	if st.calls != 3 {
		t.Fatalf("expected separate entries per key, got %d calls", st.calls)
	}

	idx.Invalidate("ws-1")
	_, _ = idx.Resolve(ctx(), "ws-1", "task.created")
	_, _ = idx.Resolve(ctx(), "ws-2", "task.created")
	if st.calls != 4 {
		t.Fatalf("invalidate should only drop ws-1, got %d calls", st.calls)
	}
}

func TestIndexReturnsCopies(t *testing.T) {
	st := &countingStore{hooks: []*webhook.Webhook{{ID: id.NewWebhookID(), Name: "orig", Events: []string{"*"}}}}
	idx := webhook.NewIndex(st, time.Minute)

	first, _ := idx.Resolve(ctx(), "ws-1", "task.created")
	first[0].Name = "mutated"

	second, _ := idx.Resolve(ctx(), "ws-1", "task.created")
	if second[0].Name != "orig" {
		t.Fatal("cached entry was mutated through a returned value")
	}
}

func TestIndexInvalidatedByService(t *testing.T) {
	_, s := newService(webhook.Config{})
	idx := webhook.NewIndex(s, time.Hour)
	svc := webhook.NewService(s, webhook.Config{Index: idx}, nil)

	if got, _ := idx.Resolve(ctx(), "ws-1", "task.created"); len(got) != 0 {
		t.Fatalf("expected empty index, got %d", len(got))
	}

	wh, err := svc.Create(ctx(), validInput())
	if err != nil {
		t.Fatal(err)
	}
	got, _ := idx.Resolve(ctx(), "ws-1", "task.created")
	if len(got) != 1 {
		t.Fatalf("create should invalidate, got %d", len(got))
	}

	if _, err := svc.Deactivate(ctx(), wh.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = idx.Resolve(ctx(), "ws-1", "task.created")
	if len(got) != 0 {
		t.Fatalf("deactivate should invalidate, got %d", len(got))
	}
}

// racingStore returns a stale result once and invalidates the index while
// doing so, as a concurrent Create would.
type racingStore struct {
	webhook.Store
	idx   *webhook.Index
	fresh []*webhook.Webhook
	calls int
	reset bool
}

func (s *racingStore) ResolveActive(_ context.Context, workspaceID, _ string) ([]*webhook.Webhook, error) {
	s.calls++
	if s.calls > 1 {
		return s.fresh, nil
	}
	if s.reset {
		s.idx.Reset()
	} else {
		s.idx.Invalidate(workspaceID)
	}
	return nil, nil
}

func TestIndexDoesNotCacheLoadRacingInvalidation(t *testing.T) {
	for _, reset := range []bool{false, true} {
		st := &racingStore{
			fresh: []*webhook.Webhook{{ID: id.NewWebhookID(), Events: []string{"*"}}},
			reset: reset,
		}
		idx := webhook.NewIndex(st, time.Hour)
		st.idx = idx

		got, err := idx.Resolve(ctx(), "ws-1", "task.created")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Fatalf("reset=%v: first load returned %d webhooks", reset, len(got))
		}

		got, _ = idx.Resolve(ctx(), "ws-1", "task.created")
		if len(got) != 1 {
			t.Fatalf("reset=%v: stale result was cached, got %d webhooks", reset, len(got))
		}
		if st.calls != 2 {
			t.Errorf("reset=%v: store calls = %d, want 2", reset, st.calls)
		}

		_, _ = idx.Resolve(ctx(), "ws-1", "task.created")
		if st.calls != 2 {
			t.Errorf("reset=%v: settled result should be cached, calls = %d", reset, st.calls)
		}
	}
}
