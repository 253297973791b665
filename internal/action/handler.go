// Package action defines the polymorphic action handler capability and the
// built-in handlers executed by rule action chains.
package action

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/automata/model"
)

// Built-in action type keys.
const (
	TypeFieldUpdate  = "field_update"
	TypeCreateTask   = "create_task"
	TypeNotification = "send_notification"
	TypeWebhook      = "webhook"
	TypeDelay        = "delay"
)

// Handler executes one action type. Implementations decode their JSON config
// into a typed struct at the boundary and own its schema.
type Handler interface {
	// Type returns the action-type key this handler is registered under.
	Type() string

	// ConfigSchema returns a JSON schema describing the handler's config,
	// published for client-side form generation.
	ConfigSchema() json.RawMessage

	// ValidateConfig rejects malformed or incomplete configuration. It runs
	// at rule-save time and defensively again at execution time.
	ValidateConfig(cfg json.RawMessage) error

	// Execute runs the action against the trigger context. A result carrying
	// a Suspension halts the synchronous chain without failing it.
	Execute(ctx context.Context, tctx *model.TriggerContext, cfg json.RawMessage) (model.ActionResult, error)
}

// RecordStore is the narrow interface onto the platform's record-storage
// layer consumed by handlers that read or mutate records.
type RecordStore interface {
	GetRecord(ctx context.Context, tenantID, collectionID, recordID string) (map[string]any, error)
	CreateRecord(ctx context.Context, tenantID, collectionID string, fields map[string]any) (string, error)
	UpdateRecordFields(ctx context.Context, tenantID, collectionID, recordID string, fields map[string]any) error
}

// Notification is an outbound message produced by the notification handler.
type Notification struct {
	TenantID   string         `json:"tenant_id"`
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Notifier dispatches notifications. The engine only requires delivery to be
// attempted; transport (email, in-app) is the implementation's concern.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
