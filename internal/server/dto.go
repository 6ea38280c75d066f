package server

import (
	"gatekeeper/internal/domain"
)

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Status: p.Status, Description: p.Description, CreatedAt: p.CreatedAt}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type EnqueueWorkRequest struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

type WorkItemResponse struct {
	ID             string  `json:"id"`
	Project        string  `json:"project"`
	Kind           string  `json:"kind"`
	Description    string  `json:"description,omitempty"`
	Priority       int     `json:"priority"`
	Status         string  `json:"status"`
	AssignedWorker *string `json:"assigned_worker,omitempty"`
	Retries        int     `json:"retries"`
	Cancelled      bool    `json:"cancelled,omitempty"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:             w.ID,
		Project:        w.Project,
		Kind:           w.Kind,
		Description:    w.Description,
		Priority:       w.Priority,
		Status:         w.Status,
		AssignedWorker: w.AssignedWorker,
		Retries:        w.Retries,
		Cancelled:      w.Cancelled,
		CreatedAt:      w.CreatedAt,
		StartedAt:      w.StartedAt,
		CompletedAt:    w.CompletedAt,
	}
}

func mapWorkItems(items []domain.WorkItem) []WorkItemResponse {
	res := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workItemResponse(w))
	}
	return res
}

type IngestValidationRequest struct {
	CheckKind string `json:"check_kind"`
	RawOutput string `json:"raw_output"`
	RawLogRef string `json:"raw_log_ref,omitempty"`
}

type SubmitReviewRequest struct {
	Document     string `json:"document"`
	SourceDocRef string `json:"source_doc_ref,omitempty"`
}

type RaiseAlertRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type EvaluateDecisionRequest struct {
	Strict *bool `json:"strict,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse(e))
	}
	return res
}
