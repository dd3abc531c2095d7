package server

import (
	"time"

	"defectline/internal/analytics"
	"defectline/internal/domain"
	"defectline/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Name     string `json:"name"`
	Role     string `json:"role" enum:"manager,worker"`
	Password string `json:"password,omitempty"`
}

type ReportDefectRequest struct {
	ID          string `json:"id" example:"D-001"`
	TaskName    string `json:"task_name"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty" doc:"case-insensitive; critical halts the line, anything else is minor"`
	Detail      string `json:"detail,omitempty"`
}

type ResolveDefectRequest struct {
	Details string `json:"details,omitempty"`
}

// Response payloads

type LoginResponse struct {
	Token     string `json:"token"`
	Role      string `json:"role"`
	ActorID   string `json:"actor_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type DefectResponse struct {
	ID                string  `json:"id"`
	TaskName          string  `json:"task_name"`
	Description       string  `json:"description"`
	LoggedBy          string  `json:"logged_by"`
	Severity          string  `json:"severity" enum:"minor,critical"`
	ImpactLevel       string  `json:"impact_level"`
	PriorityWeight    int     `json:"priority_weight"`
	Detail            string  `json:"detail,omitempty"`
	Status            string  `json:"status" enum:"Unresolved,Resolved"`
	Resolved          bool    `json:"resolved"`
	ResolvedBy        string  `json:"resolved_by,omitempty"`
	ResolutionDetails string  `json:"resolution_details"`
	LoggedAt          string  `json:"logged_at" format:"date-time"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
	Aging             string  `json:"aging" example:"1h 5m"`
	AgingSeconds      int64   `json:"aging_seconds"`
}

type ReportDefectResponse struct {
	Defect      DefectResponse `json:"defect"`
	Halt        bool           `json:"halt"`
	HaltMessage string         `json:"halt_message,omitempty"`
}

type DefectListResponse struct {
	Items []DefectResponse `json:"items"`
	Dirty bool             `json:"dirty"`
}

type SuggestionResponse struct {
	DefectID string `json:"defect_id"`
	Category string `json:"category" enum:"electrical,cosmetic,hardware,software,escalation,rework"`
	Text     string `json:"text"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

type CountResponse struct {
	TaskName string `json:"task_name"`
	Count    int    `json:"count"`
}

type EventResponse struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Level    string `json:"level"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type SigmaResponse = analytics.Report

func defectResponse(d domain.Defect, now time.Time) DefectResponse {
	age := d.AgingAt(now)
	resp := DefectResponse{
		ID:                d.ID,
		TaskName:          d.TaskName,
		Description:       d.Description,
		LoggedBy:          d.LoggedBy,
		Severity:          string(d.Severity),
		ImpactLevel:       d.ImpactLevel(),
		PriorityWeight:    d.PriorityWeight(),
		Detail:            d.Detail,
		Status:            d.Status(),
		Resolved:          d.Resolved,
		ResolvedBy:        d.ResolvedBy,
		ResolutionDetails: d.ResolutionDetails,
		LoggedAt:          d.LoggedAt.UTC().Format(time.RFC3339),
		Aging:             domain.FormatAging(age),
		AgingSeconds:      int64(age / time.Second),
	}
	if d.ResolvedAt != nil {
		at := d.ResolvedAt.UTC().Format(time.RFC3339)
		resp.ResolvedAt = &at
	}
	return resp
}

func mapDefects(items []domain.Defect, now time.Time) []DefectResponse {
	out := make([]DefectResponse, 0, len(items))
	for _, d := range items {
		out = append(out, defectResponse(d, now))
	}
	return out
}

func suggestionResponse(s engine.Suggestion) SuggestionResponse {
	return SuggestionResponse{DefectID: s.DefectID, Category: string(s.Category), Text: s.Text}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Level:    e.Level,
		Type:     e.Type,
		EntityID: e.EntityID,
		ActorID:  e.ActorID,
		Payload:  e.Payload,
	}
}
