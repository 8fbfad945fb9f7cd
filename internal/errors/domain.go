package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for the store and orchestration layers. Callers match with
// errors.Is; the HTTP layer maps them onto status codes.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrDecompositionRefused = errors.New("decomposition refused")
)

// NotFoundError identifies a missing entity by kind and id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError for an entity kind ("plan", "task", ...).
func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ValidationError is a client error with a stable machine code.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// NewValidation builds a ValidationError.
func NewValidation(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ConflictError is a state conflict (duplicate link, invalid move, busy task)
// with a stable machine code and optional context fields.
type ConflictError struct {
	Code    string
	Detail  string
	Context map[string]any
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflict builds a ConflictError.
func NewConflict(code, format string, args ...any) *ConflictError {
	return &ConflictError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Edge is one directed requires link inside a detected cycle.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CycleError reports a cycle in the requires subgraph. Nodes and Edges list
// the offending subgraph; Names maps node ids to task names for display.
type CycleError struct {
	Nodes []string          `json:"nodes"`
	Edges []Edge            `json:"edges"`
	Names map[string]string `json:"names"`
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Nodes))
	for _, n := range e.Nodes {
		if name, ok := e.Names[n]; ok && name != "" {
			parts = append(parts, fmt.Sprintf("%s(%s)", n, name))
			continue
		}
		parts = append(parts, n)
	}
	return fmt.Sprintf("cycle detected in requires graph: %s", strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrConflict }
