package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/automata/model"
)

// delayConfig is the typed config for the delay action.
type delayConfig struct {
	DelaySeconds int `json:"delay_seconds"`
}

// DelayHandler suspends the action chain. Instead of producing a normal
// result it returns a Suspension; the executor persists a pending action
// carrying the index of the next action and halts the synchronous run.
type DelayHandler struct {
	now func() time.Time
}

// NewDelayHandler creates the delay handler.
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{now: time.Now}
}

// NewDelayHandlerWithNow creates the delay handler with an injected time
// source. For tests.
func NewDelayHandlerWithNow(now func() time.Time) *DelayHandler {
	return &DelayHandler{now: now}
}

func (h *DelayHandler) Type() string { return TypeDelay }

func (h *DelayHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["delay_seconds"],
		"properties": {
			"delay_seconds": {"type": "integer", "minimum": 1}
		}
	}`)
}

func (h *DelayHandler) ValidateConfig(cfg json.RawMessage) error {
	c, err := decodeDelayConfig(cfg)
	if err != nil {
		return err
	}
	if c.DelaySeconds < 1 {
		return model.NewValidationError("delay: delay_seconds must be at least 1")
	}
	return nil
}

func (h *DelayHandler) Execute(_ context.Context, _ *model.TriggerContext, cfg json.RawMessage) (model.ActionResult, error) {
	c, err := decodeDelayConfig(cfg)
	if err != nil {
		return model.ActionResult{}, err
	}
	if c.DelaySeconds < 1 {
		return model.ActionResult{}, model.NewValidationError("delay: delay_seconds must be at least 1")
	}

	return model.ActionResult{
		Suspend: &model.Suspension{
			ResumeAt: h.now().UTC().Add(time.Duration(c.DelaySeconds) * time.Second),
		},
	}, nil
}

func decodeDelayConfig(cfg json.RawMessage) (delayConfig, error) {
	var c delayConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, model.NewValidationError(fmt.Sprintf("delay: malformed config: %v", err))
	}
	return c, nil
}
