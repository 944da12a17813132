package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flightdeck-labs/iapflow/internal/airflow"
)

const defaultPageLimit = 100

// commandParams is the union of parameters accepted across commands.
// Each command reads only the fields it needs; absent fields decode to
// their zero value and required ones are checked per command.
type commandParams struct {
	DagID         string         `json:"dag_id"`
	DagRunID      string         `json:"dag_run_id"`
	TaskID        string         `json:"task_id"`
	TryNumber     int            `json:"try_number"`
	Conf          map[string]any `json:"conf"`
	LogicalDate   string         `json:"logical_date"`
	Key           string         `json:"key"`
	Value         string         `json:"value"`
	ConnectionID  string         `json:"connection_id"`
	PoolName      string         `json:"pool_name"`
	ImportErrorID int            `json:"import_error_id"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

// CommandsHandler dispatches POST /v1/commands/{name} to the Airflow client.
type CommandsHandler struct {
	Client *airflow.Client
}

var _ http.Handler = (*CommandsHandler)(nil)

// ServeHTTP implements http.Handler.
func (h *CommandsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	params := commandParams{Limit: defaultPageLimit}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			slog.ErrorContext(ctx, "failed to decode command parameters", "command", name, "error", err)
			writeJSONError(ctx, w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if params.Limit <= 0 {
		params.Limit = defaultPageLimit
	}

	doc, err := h.dispatch(ctx, name, params)
	if err != nil {
		h.writeError(ctx, w, name, err)
		return
	}

	writeRawJSON(ctx, w, doc, http.StatusOK)
}

func (h *CommandsHandler) dispatch(ctx context.Context, name string, p commandParams) (json.RawMessage, error) {
	switch name {
	case "get_health":
		return h.Client.Health(ctx)
	case "get_version":
		return h.Client.Version(ctx)
	case "list_dags":
		return h.Client.ListDAGs(ctx, p.Limit, p.Offset)
	case "get_dag":
		if p.DagID == "" {
			return nil, errMissingParam("dag_id")
		}
		return h.Client.GetDAG(ctx, p.DagID)
	case "pause_dag":
		if p.DagID == "" {
			return nil, errMissingParam("dag_id")
		}
		return h.Client.SetDAGPaused(ctx, p.DagID, true)
	case "unpause_dag":
		if p.DagID == "" {
			return nil, errMissingParam("dag_id")
		}
		return h.Client.SetDAGPaused(ctx, p.DagID, false)
	case "list_dag_runs":
		if p.DagID == "" {
			return nil, errMissingParam("dag_id")
		}
		return h.Client.ListDAGRuns(ctx, p.DagID, p.Limit, p.Offset)
	case "trigger_dag":
		if p.DagID == "" {
			return nil, errMissingParam("dag_id")
		}
		return h.Client.TriggerDAGRun(ctx, p.DagID, p.Conf, p.LogicalDate)
	case "get_dag_run":
		if p.DagID == "" || p.DagRunID == "" {
			return nil, errMissingParam("dag_id, dag_run_id")
		}
		return h.Client.GetDAGRun(ctx, p.DagID, p.DagRunID)
	case "get_task_instance":
		if p.DagID == "" || p.DagRunID == "" || p.TaskID == "" {
			return nil, errMissingParam("dag_id, dag_run_id, task_id")
		}
		return h.Client.GetTaskInstance(ctx, p.DagID, p.DagRunID, p.TaskID)
	case "get_task_logs":
		if p.DagID == "" || p.DagRunID == "" || p.TaskID == "" {
			return nil, errMissingParam("dag_id, dag_run_id, task_id")
		}
		try := p.TryNumber
		if try <= 0 {
			try = 1
		}
		return h.Client.GetTaskLogs(ctx, p.DagID, p.DagRunID, p.TaskID, try)
	case "list_variables":
		return h.Client.ListVariables(ctx, p.Limit, p.Offset)
	case "get_variable":
		if p.Key == "" {
			return nil, errMissingParam("key")
		}
		return h.Client.GetVariable(ctx, p.Key)
	case "set_variable":
		if p.Key == "" {
			return nil, errMissingParam("key")
		}
		return h.Client.SetVariable(ctx, p.Key, p.Value)
	case "delete_variable":
		if p.Key == "" {
			return nil, errMissingParam("key")
		}
		if err := h.Client.DeleteVariable(ctx, p.Key); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"message":"variable deleted"}`), nil
	case "list_connections":
		return h.Client.ListConnections(ctx, p.Limit, p.Offset)
	case "get_connection":
		if p.ConnectionID == "" {
			return nil, errMissingParam("connection_id")
		}
		return h.Client.GetConnection(ctx, p.ConnectionID)
	case "list_pools":
		return h.Client.ListPools(ctx, p.Limit, p.Offset)
	case "get_pool":
		if p.PoolName == "" {
			return nil, errMissingParam("pool_name")
		}
		return h.Client.GetPool(ctx, p.PoolName)
	case "list_import_errors":
		return h.Client.ListImportErrors(ctx, p.Limit, p.Offset)
	case "get_import_error":
		if p.ImportErrorID == 0 {
			return nil, errMissingParam("import_error_id")
		}
		return h.Client.GetImportError(ctx, p.ImportErrorID)
	default:
		return nil, errUnknownCommand{name: name}
	}
}

// writeError maps command failures onto HTTP responses. Airflow API errors
// pass through with their original status and body; everything else is a
// gateway failure.
func (h *CommandsHandler) writeError(ctx context.Context, w http.ResponseWriter, name string, err error) {
	var missing missingParamError
	if errors.As(err, &missing) {
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}

	var unknown errUnknownCommand
	if errors.As(err, &unknown) {
		writeJSONError(ctx, w, err.Error(), http.StatusNotFound)
		return
	}

	var apiErr *airflow.APIError
	if errors.As(err, &apiErr) {
		slog.WarnContext(ctx, "command rejected by airflow", "command", name, "status", apiErr.Status)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apiErr.Status)
		_, _ = w.Write([]byte(apiErr.Body))
		return
	}

	slog.ErrorContext(ctx, "command failed", "command", name, "error", err)
	writeJSONError(ctx, w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

type missingParamError string

func errMissingParam(fields string) error {
	return missingParamError(fields)
}

func (e missingParamError) Error() string {
	return "missing required parameter: " + string(e)
}

type errUnknownCommand struct {
	name string
}

func (e errUnknownCommand) Error() string {
	return "unknown command: " + e.name
}

// errorDocument is the JSON shape of gateway-originated errors.
type errorDocument struct {
	Error string `json:"error"`
}

// writeJSON encodes data as the response body with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeRawJSON writes an already-encoded JSON document.
func writeRawJSON(ctx context.Context, w http.ResponseWriter, doc json.RawMessage, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}
	if _, err := w.Write(doc); err != nil {
		slog.ErrorContext(ctx, "failed to write JSON response", "error", err)
	}
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, errorDocument{Error: message}, status)
}
