package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pitabwire/automata/model"
)

// notificationConfig is the typed config for the send_notification action.
type notificationConfig struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body,omitempty"`
}

// NotificationHandler dispatches a notification referencing the triggering
// record through the Notifier collaborator.
type NotificationHandler struct {
	notifier Notifier
}

// NewNotificationHandler creates the send_notification handler.
func NewNotificationHandler(notifier Notifier) *NotificationHandler {
	return &NotificationHandler{notifier: notifier}
}

func (h *NotificationHandler) Type() string { return TypeNotification }

func (h *NotificationHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["recipients", "subject"],
		"properties": {
			"recipients": {"type": "array", "minItems": 1, "items": {"type": "string"}},
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		}
	}`)
}

func (h *NotificationHandler) ValidateConfig(cfg json.RawMessage) error {
	c, err := decodeNotificationConfig(cfg)
	if err != nil {
		return err
	}
	if len(c.Recipients) == 0 {
		return model.NewValidationError("send_notification: at least one recipient is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return model.NewValidationError("send_notification: subject must not be blank")
	}
	return nil
}

func (h *NotificationHandler) Execute(ctx context.Context, tctx *model.TriggerContext, cfg json.RawMessage) (model.ActionResult, error) {
	c, err := decodeNotificationConfig(cfg)
	if err != nil {
		return model.ActionResult{}, err
	}

	n := Notification{
		TenantID:   tctx.TenantID,
		Recipients: c.Recipients,
		Subject:    c.Subject,
		Body:       c.Body,
	}
	if tctx.RecordID != "" {
		n.Metadata = map[string]any{
			"collection_id": tctx.CollectionID,
			"record_id":     tctx.RecordID,
		}
	}

	if err := h.notifier.Send(ctx, n); err != nil {
		return model.ActionResult{}, fmt.Errorf("send notification: %w", err)
	}

	return model.ActionResult{Output: map[string]any{"recipients": len(c.Recipients)}}, nil
}

func decodeNotificationConfig(cfg json.RawMessage) (notificationConfig, error) {
	var c notificationConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, model.NewValidationError(fmt.Sprintf("send_notification: malformed config: %v", err))
	}
	return c, nil
}
