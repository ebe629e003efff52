package webhook

import (
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/payload"
)

// ErrFilterNotBool is returned when a filter evaluates to a non-boolean.
var ErrFilterNotBool = errors.New("webhook: filter did not return bool")

// filterShape declares the variables a filter expression may reference.
var filterShape = map[string]any{
	"event":     "",
	"timestamp": "",
	"data":      map[string]any{},
	"metadata":  map[string]any{},
}

// CompileFilter parses a filter expression such as
// `data.task.priority == "high"` and checks it yields a boolean.
func CompileFilter(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src, expr.Env(filterShape), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return prog, nil
}

// FilterEnv exposes a payload to filter expressions.
func FilterEnv(p *payload.WebhookPayload) map[string]any {
	return map[string]any{
		"event":     string(p.Event),
		"timestamp": p.Timestamp.UTC().Format(time.RFC3339),
		"data":      p.Data,
		"metadata": map[string]any{
			"version":       p.Metadata.Version,
			"source":        p.Metadata.Source,
			"workspaceId":   p.Metadata.WorkspaceID,
			"correlationId": p.Metadata.CorrelationID,
		},
	}
}

// Filters evaluates filter expressions, caching one compiled program per
// webhook. An entry is recompiled when the webhook's expression changes and
// dropped by Forget.
type Filters struct {
	programs *xsync.MapOf[string, compiledFilter]
}

type compiledFilter struct {
	src  string
	prog *vm.Program
}

// NewFilters returns an empty filter cache.
func NewFilters() *Filters {
	return &Filters{programs: xsync.NewMapOf[string, compiledFilter]()}
}

// Forget drops the cached program of a webhook.
func (f *Filters) Forget(whID id.ID) {
	f.programs.Delete(whID.String())
}

// Len returns the number of cached programs.
func (f *Filters) Len() int { return f.programs.Size() }

// Match reports whether the webhook's filter accepts p. Webhooks without a
// filter accept everything.
func (f *Filters) Match(w *Webhook, p *payload.WebhookPayload) (bool, error) {
	if w.FilterExpression == "" {
		return true, nil
	}

	key := w.ID.String()
	c, ok := f.programs.Load(key)
	if !ok || c.src != w.FilterExpression {
		prog, err := CompileFilter(w.FilterExpression)
		if err != nil {
			return false, err
		}
		c = compiledFilter{src: w.FilterExpression, prog: prog}
		f.programs.Store(key, c)
	}
	prog := c.prog

	result, err := expr.Run(prog, FilterEnv(p))
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, ErrFilterNotBool
	}
	return b, nil
}
