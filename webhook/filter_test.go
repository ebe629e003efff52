package webhook_test

import (
	"testing"
	"time"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/webhook"
)

func TestFiltersMatch(t *testing.T) {
	p := &payload.WebhookPayload{
		Event:     event.TaskCreated,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Data: map[string]any{
			"task": map[string]any{"id": "t1", "priority": "high", "points": 5},
		},
		Metadata: payload.Metadata{WorkspaceID: "ws-1", Source: "herald", Version: "1.0"},
	}

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"empty accepts", "", true},
		{"data match", `data.task.priority == "high"`, true},
		{"data mismatch", `data.task.priority == "low"`, false},
		{"numeric", `data.task.points > 3`, true},
		{"event name", `event startsWith "task."`, true},
		{"metadata", `metadata.workspaceId == "ws-2"`, false},
		{"combined", `event == "task.created" && data.task.points < 10`, true},
	}

	f := webhook.NewFilters()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := &webhook.Webhook{FilterExpression: tt.filter}
			got, err := f.Match(wh, p)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("Match(%q) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestCompileFilterRejectsNonBool(t *testing.T) {
	if _, err := webhook.CompileFilter(`1 + 2`); err == nil {
		t.Fatal("expected non-boolean expression to be rejected")
	}
}

func TestFiltersCacheOneProgramPerWebhook(t *testing.T) {
	p := &payload.WebhookPayload{
		Event: event.TaskCreated,
		Data:  map[string]any{"task": map[string]any{"priority": "high"}},
	}
	f := webhook.NewFilters()
	wh := &webhook.Webhook{ID: id.NewWebhookID(), FilterExpression: `data.task.priority == "high"`}

	for _, prio := range []string{"high", "low", "urgent", "high"} {
		wh.FilterExpression = `data.task.priority == "` + prio + `"`
		got, err := f.Match(wh, p)
		if err != nil {
			t.Fatal(err)
		}
		if got != (prio == "high") {
			t.Fatalf("filter %q matched = %v", wh.FilterExpression, got)
		}
	}
	if n := f.Len(); n != 1 {
		t.Fatalf("cached programs = %d, want 1 after repeated edits", n)
	}

	f.Forget(wh.ID)
	if n := f.Len(); n != 0 {
		t.Fatalf("cached programs = %d after forget", n)
	}
}

func TestServiceDropsCachedFilterOnChange(t *testing.T) {
	f := webhook.NewFilters()
	svc, _ := newService(webhook.Config{Filters: f})
	p := &payload.WebhookPayload{Event: event.TaskCreated, Data: map[string]any{}}

	in := validInput()
	in.FilterExpression = `event == "task.created"`
	wh, err := svc.Create(ctx(), in)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Match(wh, p); err != nil {
		t.Fatal(err)
	}

	name := "Renamed"
	if _, err := svc.Update(ctx(), wh.ID, webhook.UpdateInput{Name: &name}); err != nil {
		t.Fatal(err)
	}
	if n := f.Len(); n != 0 {
		t.Fatalf("update left %d cached programs", n)
	}

	if _, err := f.Match(wh, p); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx(), wh.ID); err != nil {
		t.Fatal(err)
	}
	if n := f.Len(); n != 0 {
		t.Fatalf("delete left %d cached programs", n)
	}
}
