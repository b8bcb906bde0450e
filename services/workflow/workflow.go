package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// HandleGetWorkflow loads a workflow definition from the database and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting workflow", "id", id)

	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleExecuteWorkflow parses execution input, runs the workflow graph, and
// returns the full run record. Node-level failures surface inside the record
// with a 200 status; only structural defects in the stored graph reject the
// request.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Executing workflow", "id", id)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow for execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	result, err := s.engine.Execute(r.Context(), wf, req.Input)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) && ee.Kind == ErrStructural {
			writeError(w, http.StatusUnprocessableEntity, ee.Message)
			return
		}
		slog.Error("Workflow execution failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := s.repo.SaveExecution(r.Context(), id, result); err != nil {
		// The run already happened; losing the history row should not fail the request.
		slog.Error("Failed to save execution", "id", id, "runId", result.RunID, "error", err)
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// HandleListExecutions returns a workflow's stored runs, most recent first.
func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Listing executions", "workflowId", id)

	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	results, err := s.repo.ListExecutions(r.Context(), id)
	if err != nil {
		slog.Error("Failed to list executions", "workflowId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if results == nil {
		results = []RunResult{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(results)
}

// HandleGetExecution returns a single stored run by its id.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting execution", "id", id)

	result, err := s.repo.GetExecution(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
