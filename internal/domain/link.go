package domain

import "fmt"

// LinkKind classifies directed relations between tasks. Only requires edges
// gate scheduling; the rest are advisory.
type LinkKind string

const (
	LinkRequires   LinkKind = "requires"
	LinkRefers     LinkKind = "refers"
	LinkDuplicates LinkKind = "duplicates"
	LinkRelatesTo  LinkKind = "relates_to"
)

// Valid reports whether k is a known link kind.
func (k LinkKind) Valid() bool {
	switch k {
	case LinkRequires, LinkRefers, LinkDuplicates, LinkRelatesTo:
		return true
	default:
		return false
	}
}

// TaskLink is a directed edge between two tasks of the same plan. The triple
// (FromID, ToID, Kind) is the primary key. For requires edges the semantics
// are "FromID requires ToID": ToID must complete before FromID may start.
type TaskLink struct {
	FromID string   `json:"from_id"`
	ToID   string   `json:"to_id"`
	Kind   LinkKind `json:"kind"`
}

// Validate rejects malformed links before they reach the store.
func (l TaskLink) Validate() error {
	if l.FromID == "" || l.ToID == "" {
		return fmt.Errorf("link endpoints must not be empty")
	}
	if l.FromID == l.ToID {
		return fmt.Errorf("link cannot relate a task to itself")
	}
	if !l.Kind.Valid() {
		return fmt.Errorf("unknown link kind %q", l.Kind)
	}
	return nil
}
