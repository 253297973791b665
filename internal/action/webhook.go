package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pitabwire/automata/model"
)

// webhookConfig is the typed config for the webhook action.
type webhookConfig struct {
	URL           string            `json:"url"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	IncludeRecord bool              `json:"include_record,omitempty"`
}

// WebhookHandler posts a JSON payload describing the firing to an external
// endpoint. Non-2xx responses are failures so the executor's retry policy
// applies.
type WebhookHandler struct {
	client          *http.Client
	maxResponseSize int64
}

// NewWebhookHandler creates the webhook handler with the given request
// timeout. The timeout doubles as the only per-action execution bound the
// engine imposes.
func NewWebhookHandler(timeout time.Duration, maxResponseSize int64) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxResponseSize <= 0 {
		maxResponseSize = 1 << 20
	}
	return &WebhookHandler{
		client:          &http.Client{Timeout: timeout},
		maxResponseSize: maxResponseSize,
	}
}

func (h *WebhookHandler) Type() string { return TypeWebhook }

func (h *WebhookHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "format": "uri"},
			"method": {"type": "string", "enum": ["POST", "PUT", "PATCH"]},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"include_record": {"type": "boolean"}
		}
	}`)
}

func (h *WebhookHandler) ValidateConfig(cfg json.RawMessage) error {
	c, err := decodeWebhookConfig(cfg)
	if err != nil {
		return err
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return model.NewValidationError(fmt.Sprintf("webhook: invalid url %q", c.URL))
	}
	switch c.Method {
	case "", http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return model.NewValidationError(fmt.Sprintf("webhook: unsupported method %q", c.Method))
	}
	return nil
}

func (h *WebhookHandler) Execute(ctx context.Context, tctx *model.TriggerContext, cfg json.RawMessage) (model.ActionResult, error) {
	c, err := decodeWebhookConfig(cfg)
	if err != nil {
		return model.ActionResult{}, err
	}

	payload := map[string]any{
		"tenant_id":     tctx.TenantID,
		"collection_id": tctx.CollectionID,
		"record_id":     tctx.RecordID,
		"rule_id":       tctx.RuleID,
	}
	if c.IncludeRecord && tctx.Record != nil {
		payload["record"] = tctx.Record
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("marshal webhook payload: %w", err)
	}

	method := c.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL, bytes.NewReader(body))
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseSize))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.ActionResult{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return model.ActionResult{Output: map[string]any{
		"status_code":    resp.StatusCode,
		"response_bytes": len(respBody),
	}}, nil
}

func decodeWebhookConfig(cfg json.RawMessage) (webhookConfig, error) {
	var c webhookConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, model.NewValidationError(fmt.Sprintf("webhook: malformed config: %v", err))
	}
	return c, nil
}
