package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageTemplate holds the subject/body patterns and header defaults for
// one signal. Administrators edit templates between sends; a render never
// observes a partially-updated template.
type MessageTemplate struct {
	ID uuid.UUID

	Name   string
	Signal string // unique; ties the template to the signal that queues it
	Active bool

	Subject string
	Body    string

	FromHeader    string
	ReplyToHeader string
	CCHeader      []string
	BCCHeader     []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trigger maps a signal name to the template queued when it fires.
// Created by seed data; read-only in normal operation.
type Trigger struct {
	ID uuid.UUID

	Signal     string
	TemplateID uuid.UUID
	Active     bool

	CreatedAt time.Time
}
