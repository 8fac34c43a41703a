// Package render resolves message templates by signal name and renders
// them against a context. Template syntax problems surface as
// *TemplateError; a context variable that is simply absent renders as a
// configurable sentinel string instead of failing.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/carpentries/mailsched/internal/domain"
)

// ErrTemplateNotFound is returned when no active template exists for a
// signal name.
var ErrTemplateNotFound = errors.New("no active template for signal")

// TemplateError wraps a template syntax or execution failure. It is
// recoverable: the caller surfaces a warning and creates no task.
type TemplateError struct {
	Field string // "subject" or "body"
	Err   error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Field, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Store is the template lookup used by the renderer's consumers.
type Store interface {
	GetTemplateBySignal(ctx context.Context, signal string) (domain.MessageTemplate, error)
}

// DefaultSentinel is substituted for missing context variables when no
// sentinel is configured.
const DefaultSentinel = "(missing)"

// text/template prints this token for keys absent from a map context.
const missingToken = "<no value>"

// Renderer renders subject/body patterns with Go template syntax.
type Renderer struct {
	sentinel string
}

func NewRenderer(sentinel string) *Renderer {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	return &Renderer{sentinel: sentinel}
}

// Render produces the final subject and body for a template and context.
// Both are frozen into the scheduled task; nothing is re-rendered at send
// time.
func (r *Renderer) Render(tpl domain.MessageTemplate, ctx domain.Context) (subject, body string, err error) {
	subject, err = r.renderField("subject", tpl.Subject, ctx)
	if err != nil {
		return "", "", err
	}
	body, err = r.renderField("body", tpl.Body, ctx)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func (r *Renderer) renderField(field, pattern string, ctx domain.Context) (string, error) {
	t, err := template.New(field).Option("missingkey=default").Parse(pattern)
	if err != nil {
		return "", &TemplateError{Field: field, Err: err}
	}

	var sb strings.Builder
	if err := t.Execute(&sb, map[string]any(ctx)); err != nil {
		return "", &TemplateError{Field: field, Err: err}
	}

	// Missing map keys render as the engine's fixed token; swap in the
	// configured sentinel so the output carries no engine artifacts.
	return strings.ReplaceAll(sb.String(), missingToken, r.sentinel), nil
}

// Validate checks that every renderable field of the template compiles and
// renders against a minimal context. Templates failing this are rejected
// before save.
func (r *Renderer) Validate(tpl domain.MessageTemplate) error {
	fields := []struct {
		name    string
		pattern string
	}{
		{"subject", tpl.Subject},
		{"body", tpl.Body},
	}
	for _, f := range fields {
		if _, err := r.renderField(f.name, f.pattern, domain.Context{}); err != nil {
			return err
		}
	}
	return nil
}
