package payload

import "github.com/xraph/herald/event"

// ValidationResult lists every problem found in a payload.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors,omitempty"`
}

// Validate checks the envelope fields receivers rely on.
func Validate(p *WebhookPayload) ValidationResult {
	if p == nil {
		return ValidationResult{Errors: []string{"payload is nil"}}
	}

	var errs []string
	if p.ID.IsNil() {
		errs = append(errs, "id is required")
	}
	if p.Event == "" {
		errs = append(errs, "event is required")
	} else if !event.Known(p.Event) {
		errs = append(errs, "event "+string(p.Event)+" is not a known kind")
	}
	if p.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	}
	if p.Data == nil {
		errs = append(errs, "data is required")
	}
	if p.Metadata.Version == "" {
		errs = append(errs, "metadata.version is required")
	}
	if p.Metadata.Source == "" {
		errs = append(errs, "metadata.source is required")
	}
	if p.Metadata.WorkspaceID == "" {
		errs = append(errs, "metadata.workspaceId is required")
	}
	if p.Metadata.DeliveryAttempt < 0 {
		errs = append(errs, "metadata.deliveryAttempt must not be negative")
	}
	if p.Metadata.DeliveryAttempt > 0 && p.Metadata.WebhookID == "" {
		errs = append(errs, "metadata.webhookId is required once addressed")
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}
