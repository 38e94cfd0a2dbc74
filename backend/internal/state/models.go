package state

import (
	"fmt"
	"time"
)

// Resource is the handle of something the user is currently looking at.
type Resource struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ContextRef is the optional resource context supplied with a turn. Both
// fields may be empty.
type ContextRef struct {
	ID   *string `json:"id"`
	Type *string `json:"type"`
}

// IDValue returns the context id or "".
func (c ContextRef) IDValue() string {
	if c.ID == nil {
		return ""
	}
	return *c.ID
}

// TypeValue returns the context type or "".
func (c ContextRef) TypeValue() string {
	if c.Type == nil {
		return ""
	}
	return *c.Type
}

// Graph is a sub-graph as returned by the annotation backend or supplied by a
// client alongside a turn.
type Graph struct {
	Nodes []map[string]interface{} `json:"nodes"`
	Edges []map[string]interface{} `json:"edges"`
}

// Empty reports whether the graph has no nodes and no edges.
func (g *Graph) Empty() bool {
	return g == nil || (len(g.Nodes) == 0 && len(g.Edges) == 0)
}

// Envelope is the uniform reply of every turn.
type Envelope struct {
	Text     string    `json:"text"`
	Resource *Resource `json:"resource,omitempty"`
	Graph    *Graph    `json:"graph,omitempty"`
}

// TurnRequest is what the transport shim delivers for each turn.
type TurnRequest struct {
	UserID  string     `json:"user_id" binding:"required" validate:"required"`
	Query   string     `json:"query" binding:"required" validate:"required"`
	Context ContextRef `json:"context"`
	Graph   *Graph     `json:"graph,omitempty"`
	Token   string     `json:"token,omitempty"`
}

// Turn is a persisted conversation turn.
type Turn struct {
	UserID          string    `json:"user_id"`
	QuestionID      string    `json:"question_id"`
	Time            time.Time `json:"time"`
	UserQuestion    string    `json:"user_question"`
	MemorySnapshot  string    `json:"memory_snapshot"`
	ContextSnapshot string    `json:"context_snapshot"`
}

// Validate checks if the Turn is valid
func (t *Turn) Validate() error {
	if t.UserID == "" {
		return ErrInvalidTurn{Field: "user_id", Reason: "cannot be empty"}
	}
	if t.QuestionID == "" {
		return ErrInvalidTurn{Field: "question_id", Reason: "cannot be empty"}
	}
	if t.Time.IsZero() {
		return ErrInvalidTurn{Field: "time", Reason: "cannot be zero"}
	}
	return nil
}

// Errors

type ErrInvalidTurn struct {
	Field  string
	Reason string
}

func (e ErrInvalidTurn) Error() string {
	return fmt.Sprintf("invalid conversation turn: %s - %s", e.Field, e.Reason)
}
