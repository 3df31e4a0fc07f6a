package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/deskpilot/internal/actors"
	"github.com/dohr-michael/deskpilot/internal/gateway/ws"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

// WSTaskHandler implements ws.TaskHandler over a TaskService. The HTTP task
// routes share it so both transports validate requests the same way.
type WSTaskHandler struct {
	svc TaskService
}

// NewWSTaskHandler creates a new task handler.
func NewWSTaskHandler(svc TaskService) *WSTaskHandler {
	return &WSTaskHandler{svc: svc}
}

var _ ws.TaskHandler = (*WSTaskHandler)(nil)

type statusAck struct {
	TaskID string       `json:"task_id"`
	Status tasks.Status `json:"status"`
}

// SubmitTask queues a user task.
func (h *WSTaskHandler) SubmitTask(ctx context.Context, p ws.SubmitTaskParams) (any, error) {
	if strings.TrimSpace(p.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", actors.ErrInvalidRequest)
	}
	priority, err := tasks.ParsePriority(p.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", actors.ErrInvalidRequest, err)
	}
	return h.svc.Submit(ctx, actors.SubmitRequest{
		Description:  p.Description,
		Priority:     priority,
		Model:        p.Model,
		ScheduledFor: p.ScheduledFor,
		CreatedBy:    tasks.CreatedByUser,
	})
}

// GetTask returns a task with its conversation.
func (h *WSTaskHandler) GetTask(ctx context.Context, id string) (any, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: task_id is required", actors.ErrInvalidRequest)
	}
	return h.svc.Get(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (h *WSTaskHandler) ListTasks(ctx context.Context, p ws.ListTasksParams) (any, error) {
	filter := tasks.ListFilter{ParentID: p.ParentID, Limit: p.Limit}
	for _, s := range p.Statuses {
		st, err := tasks.ParseStatus(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", actors.ErrInvalidRequest, err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", actors.ErrInvalidRequest)
	}
	list, err := h.svc.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	return list, nil
}

// ResumeTask answers a task waiting for help.
func (h *WSTaskHandler) ResumeTask(ctx context.Context, p ws.ResumeTaskParams) (any, error) {
	if p.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", actors.ErrInvalidRequest)
	}
	if err := h.svc.Resume(ctx, p.TaskID, p.Message); err != nil {
		return nil, err
	}
	return statusAck{TaskID: p.TaskID, Status: tasks.StatusRunning}, nil
}

// CancelTask stops a task.
func (h *WSTaskHandler) CancelTask(ctx context.Context, p ws.CancelTaskParams) (any, error) {
	if p.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", actors.ErrInvalidRequest)
	}
	reason := p.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	if err := h.svc.Cancel(ctx, p.TaskID, reason); err != nil {
		return nil, err
	}
	return statusAck{TaskID: p.TaskID, Status: tasks.StatusCancelled}, nil
}

// HTTP routes

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", actors.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var p ws.SubmitTaskParams
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	payload, err := s.tasks.SubmitTask(r.Context(), p)
	s.respond(w, http.StatusCreated, payload, err)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	payload, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, payload, err)
}

// handleListTasks accepts ?status=a,b&parent_id=x&limit=n.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := ws.ListTasksParams{ParentID: q.Get("parent_id")}
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				p.Statuses = append(p.Statuses, st)
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: limit must be an integer", actors.ErrInvalidRequest))
			return
		}
		p.Limit = n
	}
	payload, err := s.tasks.ListTasks(r.Context(), p)
	s.respond(w, http.StatusOK, payload, err)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	var p ws.ResumeTaskParams
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	p.TaskID = chi.URLParam(r, "id")
	payload, err := s.tasks.ResumeTask(r.Context(), p)
	s.respond(w, http.StatusOK, payload, err)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var p ws.CancelTaskParams
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	p.TaskID = chi.URLParam(r, "id")
	payload, err := s.tasks.CancelTask(r.Context(), p)
	s.respond(w, http.StatusOK, payload, err)
}
