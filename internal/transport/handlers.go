package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/automata/internal/engine"
	"github.com/pitabwire/automata/internal/rules"
	"github.com/pitabwire/automata/model"
)

func handleActionSchemas(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, svc.ConfigSchemas())
	}
}

// handleMutation receives mutation events from the record-storage layer. A
// BEFORE-phase event that a STOP_ON_ERROR rule vetoes returns the error so
// the caller aborts the write.
func handleMutation(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var event model.MutationEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if err := eng.HandleMutation(r.Context(), &event); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
	}
}

func handleCreateRule(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule model.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		rule.TenantID = chi.URLParam(r, "tenantId")

		created, err := svc.CreateRule(r.Context(), rule)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleGetRule(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := svc.GetRule(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rule)
	}
}

func handleUpdateRule(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule model.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		rule.TenantID = chi.URLParam(r, "tenantId")
		rule.ID = chi.URLParam(r, "ruleId")

		updated, err := svc.UpdateRule(r.Context(), rule)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteRule(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteRule(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId")); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRuleVersions(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versions, err := svc.RuleVersions(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, versions)
	}
}

func handleManualRun(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RecordID string `json:"record_id"`
			UserID   string `json:"user_id"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		logID, err := eng.ExecuteManualRule(r.Context(),
			chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"),
			body.RecordID, body.UserID,
		)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"execution_log_id": logID})
	}
}

func handleExecutionLogs(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, err := parseLogFilters(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		logs, err := svc.ExecutionLogs(r.Context(), chi.URLParam(r, "tenantId"), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, logs)
	}
}

func handleActionLogs(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := svc.ActionLogs(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "logId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, logs)
	}
}

// handlePurgeLogs deletes logs older than the required before parameter.
// Retention is platform-wide and spans every tenant, so the route lives
// outside the tenant subtree.
func handlePurgeLogs(svc *rules.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before := r.URL.Query().Get("before")
		cutoff, err := time.Parse(time.RFC3339, before)
		if err != nil {
			WriteError(w, model.NewBadRequestError("query parameter before must be an RFC 3339 timestamp"))
			return
		}
		removed, err := svc.DeleteLogsOlderThan(r.Context(), cutoff)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int64{"removed": removed})
	}
}

func parseLogFilters(r *http.Request) (model.ExecutionLogFilters, error) {
	q := r.URL.Query()
	filters := model.ExecutionLogFilters{RuleID: q.Get("rule_id")}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, model.NewBadRequestError("query parameter from must be an RFC 3339 timestamp")
		}
		filters.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, model.NewBadRequestError("query parameter to must be an RFC 3339 timestamp")
		}
		filters.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filters, model.NewBadRequestError("query parameter limit must be a non-negative integer")
		}
		filters.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filters, model.NewBadRequestError("query parameter offset must be a non-negative integer")
		}
		filters.Offset = n
	}
	return filters, nil
}
