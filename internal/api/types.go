package api

import (
	"encoding/json"
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// DispatchRequest is the event intake body. Payload is decoded per event
// type; its shape is defined by the receiver package.
type DispatchRequest struct {
	EventType string          `json:"event_type"`
	Strategy  string          `json:"strategy"`
	Payload   json.RawMessage `json:"payload"`
}

type DispatchResponse struct {
	Outcome string   `json:"outcome"`
	Notices []string `json:"notices,omitempty"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

type TaskResponse struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	ScheduledAt string   `json:"scheduled_at"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	To          []string `json:"to"`
	CC          []string `json:"cc,omitempty"`
	BCC         []string `json:"bcc,omitempty"`
	From        string   `json:"from"`
	ReplyTo     string   `json:"reply_to,omitempty"`
	TemplateID  string   `json:"template_id"`
	Signal      string   `json:"signal"`
	LinkedKind  string   `json:"linked_kind,omitempty"`
	LinkedID    int64    `json:"linked_id,omitempty"`
	Log         string   `json:"log,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type AuditEntryResponse struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Details     string `json:"details"`
	StateBefore string `json:"state_before,omitempty"`
	StateAfter  string `json:"state_after"`
	CreatedAt   string `json:"created_at"`
}

type TemplateResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Signal    string   `json:"signal"`
	Active    bool     `json:"active"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	From      string   `json:"from"`
	ReplyTo   string   `json:"reply_to,omitempty"`
	CC        []string `json:"cc,omitempty"`
	BCC       []string `json:"bcc,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

type RescheduleRequest struct {
	ScheduledAt string `json:"scheduled_at"` // RFC3339
}

// EditTaskRequest is a partial update; absent fields are left unchanged.
type EditTaskRequest struct {
	Subject *string  `json:"subject,omitempty"`
	Body    *string  `json:"body,omitempty"`
	To      []string `json:"to,omitempty"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
}

type TemplateRequest struct {
	Name    string   `json:"name"`
	Signal  string   `json:"signal"`
	Active  *bool    `json:"active,omitempty"` // default true
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	From    string   `json:"from"`
	ReplyTo string   `json:"reply_to,omitempty"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
}

type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

type ListAuditResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
}

type ListTemplatesResponse struct {
	Templates []TemplateResponse `json:"templates"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func taskResponse(task domain.ScheduledTask) TaskResponse {
	return TaskResponse{
		ID:          task.ID.String(),
		Status:      string(task.Status),
		ScheduledAt: formatTime(task.ScheduledAt),
		Subject:     task.Subject,
		Body:        task.Body,
		To:          task.To,
		CC:          task.CC,
		BCC:         task.BCC,
		From:        task.From,
		ReplyTo:     task.ReplyTo,
		TemplateID:  task.TemplateID.String(),
		Signal:      task.Signal,
		LinkedKind:  task.Linked.Kind,
		LinkedID:    task.Linked.ID,
		Log:         task.Log,
		CreatedAt:   formatTime(task.CreatedAt),
		UpdatedAt:   formatTime(task.UpdatedAt),
	}
}

func auditResponse(entry domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:          entry.ID.String(),
		TaskID:      entry.TaskID.String(),
		Details:     entry.Details,
		StateBefore: string(entry.StateBefore),
		StateAfter:  string(entry.StateAfter),
		CreatedAt:   formatTime(entry.CreatedAt),
	}
}

func templateResponse(tpl domain.MessageTemplate) TemplateResponse {
	return TemplateResponse{
		ID:        tpl.ID.String(),
		Name:      tpl.Name,
		Signal:    tpl.Signal,
		Active:    tpl.Active,
		Subject:   tpl.Subject,
		Body:      tpl.Body,
		From:      tpl.FromHeader,
		ReplyTo:   tpl.ReplyToHeader,
		CC:        tpl.CCHeader,
		BCC:       tpl.BCCHeader,
		CreatedAt: formatTime(tpl.CreatedAt),
		UpdatedAt: formatTime(tpl.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
