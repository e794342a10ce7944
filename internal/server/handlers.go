package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/internal/domain"
)

type executionResponse struct {
	ID            uuid.UUID             `json:"id"`
	SimulationID  uuid.UUID             `json:"simulation_id"`
	PatternType   domain.PatternType    `json:"pattern_type"`
	Status        domain.ExecutionStatus `json:"status"`
	StartedAt     time.Time             `json:"started_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	StoppedAt     *time.Time            `json:"stopped_at,omitempty"`
	FailedAt      *time.Time            `json:"failed_at,omitempty"`
	ResultSummary *domain.ResultSummary `json:"result_summary,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
}

type stageExecutionResponse struct {
	Ref           string                 `json:"ref"`
	Kind          domain.StageKind       `json:"kind"`
	AgentCount    int                    `json:"agent_count"`
	CurrentRepeat int                    `json:"current_repeat"`
	TotalRepeats  int                    `json:"total_repeats"`
	Status        domain.ExecutionStatus `json:"status"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
}

type executionRecordResponse struct {
	Execution executionResponse        `json:"execution"`
	Stages    []stageExecutionResponse `json:"stages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toExecutionResponse(e *domain.Execution) executionResponse {
	return executionResponse{
		ID:            e.ID,
		SimulationID:  e.SimulationID,
		PatternType:   e.PatternType,
		Status:        e.Status,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		StoppedAt:     e.StoppedAt,
		FailedAt:      e.FailedAt,
		ResultSummary: e.ResultSummary,
		FailureReason: e.FailureReason,
	}
}

func toRecordResponse(record *domain.ExecutionRecord) executionRecordResponse {
	resp := executionRecordResponse{
		Execution: toExecutionResponse(&record.Execution),
		Stages:    []stageExecutionResponse{},
	}
	for _, step := range record.Steps {
		resp.Stages = append(resp.Stages, stageExecutionResponse{
			Ref:           domain.Stage{Kind: domain.StageKindStep, StepOrder: step.StepOrder}.Ref(),
			Kind:          domain.StageKindStep,
			AgentCount:    step.AgentCount,
			CurrentRepeat: step.CurrentRepeat,
			TotalRepeats:  step.TotalRepeats,
			Status:        step.Status,
			ErrorCode:     step.ErrorCode,
			ErrorMessage:  step.ErrorMessage,
			StartedAt:     step.StartedAt,
			FinishedAt:    step.FinishedAt,
		})
	}
	for _, group := range record.Groups {
		resp.Stages = append(resp.Stages, stageExecutionResponse{
			Ref:           domain.Stage{Kind: domain.StageKindGroup, Name: group.GroupName}.Ref(),
			Kind:          domain.StageKindGroup,
			AgentCount:    group.AgentCount,
			CurrentRepeat: group.CurrentRepeat,
			TotalRepeats:  group.TotalRepeats,
			Status:        group.Status,
			ErrorCode:     group.ErrorCode,
			ErrorMessage:  group.ErrorMessage,
			StartedAt:     group.StartedAt,
			FinishedAt:    group.FinishedAt,
		})
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	simulationID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	execution, err := s.engine.StartSimulation(r.Context(), simulationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toExecutionResponse(execution))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	simulationID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if err := s.engine.StopSimulation(r.Context(), simulationID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	simulationID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	status, err := s.engine.SimulationStatus(r.Context(), simulationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	simulationID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	executions, err := s.engine.ListExecutions(r.Context(), simulationID, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]executionResponse, 0, len(executions))
	for i := range executions {
		out = append(out, toExecutionResponse(&executions[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	record, err := s.engine.GetExecution(r.Context(), executionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRecordResponse(record))
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	simulationID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if err := s.engine.DeleteSimulationHistory(r.Context(), simulationID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case domain.IsConflict(err):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrAlreadyFinalized):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err.Error())
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err.Error())
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
