package webhook_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/signature"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/webhook"
)

func ctx() context.Context { return context.Background() }

type recordingCanceller struct {
	ids []string
}

func (c *recordingCanceller) CancelForWebhook(_ context.Context, whID id.ID) (int64, error) {
	c.ids = append(c.ids, whID.String())
	return 3, nil
}

func newService(cfg webhook.Config) (*webhook.Service, *memory.Store) {
	s := memory.New()
	return webhook.NewService(s, cfg, nil), s
}

func validInput() webhook.Input {
	return webhook.Input{
		WorkspaceID: "ws-1",
		Name:        "Tasks",
		URL:         "https://example.com/webhook",
		Events:      []string{"task.*"},
	}
}

func TestServiceCreateAppliesDefaults(t *testing.T) {
	svc, _ := newService(webhook.Config{})

	wh, err := svc.Create(ctx(), validInput())
	if err != nil {
		t.Fatal(err)
	}

	if wh.ID.Prefix() != id.PrefixWebhook {
		t.Fatalf("expected wh prefix, got %q", wh.ID.Prefix())
	}
	if !strings.HasPrefix(wh.Secret, "whsec_") {
		t.Fatalf("expected generated secret, got %q", wh.Secret)
	}
	if wh.Status != webhook.StatusActive || wh.Paused {
		t.Fatalf("expected active unpaused webhook, got %s paused=%v", wh.Status, wh.Paused)
	}
	if !wh.Dispatchable() {
		t.Fatal("new webhook should be dispatchable")
	}

	def := webhook.DefaultDefaults()
	checks := []struct {
		name      string
		got, want any
	}{
		{"method", wh.Method, "POST"},
		{"content type", wh.ContentType, payload.ContentTypeJSON},
		{"signature header", wh.SignatureHeader, webhook.DefaultSignatureHeader},
		{"algorithm", wh.SignatureAlgorithm, signature.SHA256},
		{"timeout", wh.TimeoutMs, def.TimeoutMs},
		{"max retries", wh.MaxRetries, def.MaxRetries},
		{"retry delay", wh.RetryDelayMs, def.RetryDelayMs},
		{"rate limit", wh.RateLimitPerMinute, def.RateLimitPerMinute},
		{"success rate", wh.SuccessRate, 1.0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestServiceCreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*webhook.Input)
		field string
	}{
		{"missing workspace", func(in *webhook.Input) { in.WorkspaceID = "" }, "workspace_id"},
		{"missing name", func(in *webhook.Input) { in.Name = "" }, "name"},
		{"missing url", func(in *webhook.Input) { in.URL = "" }, "url"},
		{"relative url", func(in *webhook.Input) { in.URL = "/hooks" }, "url"},
		{"ftp url", func(in *webhook.Input) { in.URL = "ftp://example.com/x" }, "url"},
		{"loopback ip", func(in *webhook.Input) { in.URL = "http://127.0.0.1:8080/x" }, "url"},
		{"localhost", func(in *webhook.Input) { in.URL = "http://localhost/x" }, "url"},
		{"private ip", func(in *webhook.Input) { in.URL = "https://10.1.2.3/x" }, "url"},
		{"link local", func(in *webhook.Input) { in.URL = "http://169.254.169.254/latest" }, "url"},
		{"no events", func(in *webhook.Input) { in.Events = nil }, "events"},
		{"unknown event", func(in *webhook.Input) { in.Events = []string{"invoice.paid"} }, "events"},
		{"bad method", func(in *webhook.Input) { in.Method = "GET" }, "method"},
		{"bad content type", func(in *webhook.Input) { in.ContentType = "text/xml" }, "content_type"},
		{"bad algorithm", func(in *webhook.Input) { in.SignatureAlgorithm = "sha512" }, "signature_algorithm"},
		{"short secret", func(in *webhook.Input) { in.Secret = "short" }, "secret"},
		{"timeout too large", func(in *webhook.Input) { in.TimeoutMs = 120_000 }, "timeout_ms"},
		{"too many retries", func(in *webhook.Input) { in.MaxRetries = 11 }, "max_retries"},
		{"bad header", func(in *webhook.Input) { in.Headers = map[string]string{"Bad Header": "x"} }, "headers"},
		{"header value with newline", func(in *webhook.Input) { in.Headers = map[string]string{"X-Tenant": "acme\r\nX-Injected: 1"} }, "headers"},
		{"header value with nul", func(in *webhook.Input) { in.Headers = map[string]string{"X-Tenant": "a\x00b"} }, "headers"},
		{"reserved content type", func(in *webhook.Input) { in.Headers = map[string]string{"content-type": "text/plain"} }, "headers"},
		{"reserved delivery header", func(in *webhook.Input) { in.Headers = map[string]string{"X-WEBHOOK-DELIVERY": "del_x"} }, "headers"},
		{"overrides default signature", func(in *webhook.Input) { in.Headers = map[string]string{"x-webhook-signature": "sha256=00"} }, "headers"},
		{"overrides custom signature", func(in *webhook.Input) {
			in.SignatureHeader = "X-Acme-Sig"
			in.Headers = map[string]string{"X-ACME-SIG": "forged"}
		}, "headers"},
		{"signature header collides", func(in *webhook.Input) { in.SignatureHeader = "User-Agent" }, "signature_header"},
		{"signature header invalid", func(in *webhook.Input) { in.SignatureHeader = "X Sig" }, "signature_header"},
		{"bad filter", func(in *webhook.Input) { in.FilterExpression = "data.priority ==" }, "filter_expression"},
		{"unknown filter variable", func(in *webhook.Input) { in.FilterExpression = `nope == 1` }, "filter_expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(webhook.Config{})
			in := validInput()
			tt.mut(&in)

			_, err := svc.Create(ctx(), in)
			var ve *webhook.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q (%v)", ve.Field, tt.field, ve)
			}
		})
	}
}

func TestServiceAllowPrivateHosts(t *testing.T) {
	svc, _ := newService(webhook.Config{AllowPrivateHosts: true})
	in := validInput()
	in.URL = "http://127.0.0.1:9000/hook"

	if _, err := svc.Create(ctx(), in); err != nil {
		t.Fatalf("expected private host to be accepted, got %v", err)
	}
}

func TestServiceCreateKeepsSuppliedSecret(t *testing.T) {
	svc, _ := newService(webhook.Config{})
	in := validInput()
	in.Secret = "a-long-enough-secret"

	wh, err := svc.Create(ctx(), in)
	if err != nil {
		t.Fatal(err)
	}
	if wh.Secret != in.Secret {
		t.Fatal("supplied secret should be kept")
	}
}

func TestServiceUpdate(t *testing.T) {
	svc, _ := newService(webhook.Config{})
	wh, _ := svc.Create(ctx(), validInput())

	name := "Renamed"
	timeout := 5000
	filter := `data.task.priority == "high"`
	got, err := svc.Update(ctx(), wh.ID, webhook.UpdateInput{
		Name:             &name,
		Events:           []string{"task.created", "comment.*"},
		TimeoutMs:        &timeout,
		FilterExpression: &filter,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != name || got.TimeoutMs != timeout || got.FilterExpression != filter {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.URL != wh.URL {
		t.Fatal("untouched fields must be kept")
	}

	badURL := "http://192.168.0.10/x"
	if _, err := svc.Update(ctx(), wh.ID, webhook.UpdateInput{URL: &badURL}); !webhook.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := svc.Update(ctx(), id.NewWebhookID(), webhook.UpdateInput{Name: &name}); !errors.Is(err, herald.ErrWebhookNotFound) {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
}

func TestServiceUpdateRejectsHeaderCollisions(t *testing.T) {
	svc, _ := newService(webhook.Config{})
	in := validInput()
	in.Headers = map[string]string{"X-Auth": "token"}
	wh, err := svc.Create(ctx(), in)
	if err != nil {
		t.Fatal(err)
	}

	sigHeader := "x-auth"
	if _, err := svc.Update(ctx(), wh.ID, webhook.UpdateInput{SignatureHeader: &sigHeader}); !webhook.IsValidationError(err) {
		t.Fatalf("signature header shadowing a custom header: expected validation error, got %v", err)
	}

	injected := map[string]string{"X-Auth": "token\nX-Admin: true"}
	if _, err := svc.Update(ctx(), wh.ID, webhook.UpdateInput{Headers: injected}); !webhook.IsValidationError(err) {
		t.Fatalf("header value with newline: expected validation error, got %v", err)
	}

	got, err := svc.Get(ctx(), wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SignatureHeader != webhook.DefaultSignatureHeader || got.Headers["X-Auth"] != "token" {
		t.Fatalf("rejected update was applied: %+v", got)
	}
}

func TestServiceStatusTransitions(t *testing.T) {
	svc, _ := newService(webhook.Config{})
	wh, _ := svc.Create(ctx(), validInput())

	got, err := svc.Deactivate(ctx(), wh.ID)
	if err != nil || got.Status != webhook.StatusInactive || got.Dispatchable() {
		t.Fatalf("deactivate: %v %+v", err, got)
	}

	if _, err := svc.Suspend(ctx(), wh.ID, ""); !webhook.IsValidationError(err) {
		t.Fatalf("suspend without reason should fail, got %v", err)
	}
	got, err = svc.Suspend(ctx(), wh.ID, "too many failures")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != webhook.StatusSuspended || got.SuspendReason != "too many failures" || got.SuspendedAt == nil {
		t.Fatalf("suspend not recorded: %+v", got)
	}

	got, err = svc.Activate(ctx(), wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != webhook.StatusActive || got.SuspendReason != "" || got.SuspendedAt != nil {
		t.Fatalf("activate should clear suspension: %+v", got)
	}
}

func TestServicePauseResume(t *testing.T) {
	svc, _ := newService(webhook.Config{})
	wh, _ := svc.Create(ctx(), validInput())

	got, err := svc.Pause(ctx(), wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Paused || got.PausedAt == nil || got.Dispatchable() {
		t.Fatalf("pause not applied: %+v", got)
	}
	if got.Status != webhook.StatusActive {
		t.Fatal("pause must not change status")
	}

	got, err = svc.Resume(ctx(), wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Paused || got.PausedAt != nil || !got.Dispatchable() {
		t.Fatalf("resume not applied: %+v", got)
	}
}

func TestServiceRotateSecret(t *testing.T) {
	svc, _ := newService(webhook.Config{})
	wh, _ := svc.Create(ctx(), validInput())

	secret, err := svc.RotateSecret(ctx(), wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if secret == wh.Secret || !strings.HasPrefix(secret, "whsec_") {
		t.Fatalf("unexpected rotated secret %q", secret)
	}

	got, _ := svc.Get(ctx(), wh.ID)
	if got.Secret != secret {
		t.Fatal("rotated secret not persisted")
	}
}

func TestServiceDeleteCascades(t *testing.T) {
	c := &recordingCanceller{}
	svc, _ := newService(webhook.Config{Canceller: c})
	wh, _ := svc.Create(ctx(), validInput())

	if err := svc.Delete(ctx(), wh.ID); err != nil {
		t.Fatal(err)
	}
	if len(c.ids) != 1 || c.ids[0] != wh.ID.String() {
		t.Fatalf("expected cascade for %s, got %v", wh.ID, c.ids)
	}
	if _, err := svc.Get(ctx(), wh.ID); !errors.Is(err, herald.ErrWebhookNotFound) {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
	if err := svc.Delete(ctx(), wh.ID); !errors.Is(err, herald.ErrWebhookNotFound) {
		t.Fatalf("second delete: expected ErrWebhookNotFound, got %v", err)
	}
}

func TestServiceList(t *testing.T) {
	svc, _ := newService(webhook.Config{})
	for range 3 {
		if _, err := svc.Create(ctx(), validInput()); err != nil {
			t.Fatal(err)
		}
	}
	other := validInput()
	other.WorkspaceID = "ws-2"
	_, _ = svc.Create(ctx(), other)

	list, err := svc.List(ctx(), "ws-1", webhook.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3, got %d", len(list))
	}
}
