// Package herald is a webhook delivery and event dispatch engine for Go.
//
// Herald is a library. Import it into the application that owns the domain
// events and it notifies the HTTP endpoints each workspace has registered,
// signing every payload and retrying until the receiver acknowledges.
//
// Key features:
//   - At-least-once delivery: every delivery is persisted before its first
//     attempt and claimed atomically by exactly one worker
//   - Exponential backoff that honors Retry-After, with per-webhook budgets
//   - Per-webhook circuit breakers and fixed-window rate limits
//   - HMAC signatures (sha256, sha1, md5) over the exact request body
//   - Filter expressions and JSON Schema validation of event data
//   - Composable stores: Postgres, Redis and an in-memory store for tests
//   - OpenTelemetry metrics and traces
//
// Quick start:
//
//	h, err := herald.New(
//	    herald.WithStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h.Start(ctx)
//	defer h.Stop(ctx)
//
//	h.Webhooks().Create(ctx, webhook.Input{
//	    WorkspaceID: "ws_123",
//	    Name:        "tasks",
//	    URL:         "https://example.com/hooks",
//	    Events:      []string{"task.*"},
//	})
//
//	h.HandleDomainEvent(ctx, event.Event{
//	    Kind:    event.TaskCreated,
//	    Context: event.Context{WorkspaceID: "ws_123", UserID: "usr_1"},
//	    Data:    map[string]any{"id": "task_1", "title": "Ship it"},
//	})
package herald
