package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/automata/model"
)

// fieldUpdateConfig is the typed config for the field_update action.
type fieldUpdateConfig struct {
	Fields []fieldMutation `json:"fields"`
}

type fieldMutation struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// FieldUpdateHandler applies a list of field=value mutations to the
// triggering record.
type FieldUpdateHandler struct {
	records RecordStore
}

// NewFieldUpdateHandler creates the field_update handler.
func NewFieldUpdateHandler(records RecordStore) *FieldUpdateHandler {
	return &FieldUpdateHandler{records: records}
}

func (h *FieldUpdateHandler) Type() string { return TypeFieldUpdate }

func (h *FieldUpdateHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["fields"],
		"properties": {
			"fields": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["field"],
					"properties": {
						"field": {"type": "string"},
						"value": {}
					}
				}
			}
		}
	}`)
}

func (h *FieldUpdateHandler) ValidateConfig(cfg json.RawMessage) error {
	c, err := decodeFieldUpdateConfig(cfg)
	if err != nil {
		return err
	}
	if len(c.Fields) == 0 {
		return model.NewValidationError("field_update: at least one field mutation is required")
	}
	for i, f := range c.Fields {
		if f.Field == "" {
			return model.NewValidationError(fmt.Sprintf("field_update: fields[%d].field must not be empty", i))
		}
	}
	return nil
}

func (h *FieldUpdateHandler) Execute(ctx context.Context, tctx *model.TriggerContext, cfg json.RawMessage) (model.ActionResult, error) {
	c, err := decodeFieldUpdateConfig(cfg)
	if err != nil {
		return model.ActionResult{}, err
	}
	if tctx.RecordID == "" {
		return model.ActionResult{}, model.NewBadRequestError("field_update: firing has no target record")
	}

	mutations := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		mutations[f.Field] = f.Value
	}

	if err := h.records.UpdateRecordFields(ctx, tctx.TenantID, tctx.CollectionID, tctx.RecordID, mutations); err != nil {
		return model.ActionResult{}, fmt.Errorf("update record %s: %w", tctx.RecordID, err)
	}

	return model.ActionResult{Output: map[string]any{"updated_fields": len(mutations)}}, nil
}

func decodeFieldUpdateConfig(cfg json.RawMessage) (fieldUpdateConfig, error) {
	var c fieldUpdateConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, model.NewValidationError(fmt.Sprintf("field_update: malformed config: %v", err))
	}
	return c, nil
}
