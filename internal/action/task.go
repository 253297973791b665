package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/automata/model"
)

// TaskCollectionID is the built-in collection task records are created in.
const TaskCollectionID = "tasks"

// createTaskConfig is the typed config for the create_task action.
type createTaskConfig struct {
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	DueInDays   int    `json:"due_in_days,omitempty"`
}

// CreateTaskHandler builds a follow-up task record referencing the
// triggering record.
type CreateTaskHandler struct {
	records RecordStore
	now     func() time.Time
}

// NewCreateTaskHandler creates the create_task handler.
func NewCreateTaskHandler(records RecordStore) *CreateTaskHandler {
	return &CreateTaskHandler{records: records, now: time.Now}
}

func (h *CreateTaskHandler) Type() string { return TypeCreateTask }

func (h *CreateTaskHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["subject"],
		"properties": {
			"subject": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"assignee_id": {"type": "string"},
			"due_in_days": {"type": "integer", "minimum": 0}
		}
	}`)
}

func (h *CreateTaskHandler) ValidateConfig(cfg json.RawMessage) error {
	c, err := decodeCreateTaskConfig(cfg)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.Subject) == "" {
		return model.NewValidationError("create_task: subject must not be blank")
	}
	if c.DueInDays < 0 {
		return model.NewValidationError("create_task: due_in_days must not be negative")
	}
	return nil
}

func (h *CreateTaskHandler) Execute(ctx context.Context, tctx *model.TriggerContext, cfg json.RawMessage) (model.ActionResult, error) {
	c, err := decodeCreateTaskConfig(cfg)
	if err != nil {
		return model.ActionResult{}, err
	}
	if strings.TrimSpace(c.Subject) == "" {
		return model.ActionResult{}, model.NewValidationError("create_task: subject must not be blank")
	}

	task := map[string]any{
		"subject":     c.Subject,
		"description": c.Description,
		"status":      "OPEN",
		"created_by":  tctx.UserID,
	}
	if c.AssigneeID != "" {
		task["assignee_id"] = c.AssigneeID
	}
	if c.DueInDays > 0 {
		task["due_at"] = h.now().UTC().AddDate(0, 0, c.DueInDays)
	}
	// Reference back to the triggering record, when there is one.
	if tctx.RecordID != "" {
		task["related_collection_id"] = tctx.CollectionID
		task["related_record_id"] = tctx.RecordID
	}

	taskID, err := h.records.CreateRecord(ctx, tctx.TenantID, TaskCollectionID, task)
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("create task: %w", err)
	}

	return model.ActionResult{Output: map[string]any{"task_id": taskID}}, nil
}

func decodeCreateTaskConfig(cfg json.RawMessage) (createTaskConfig, error) {
	var c createTaskConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, model.NewValidationError(fmt.Sprintf("create_task: malformed config: %v", err))
	}
	return c, nil
}
