// Package capability holds the catalog of invocable operations and the
// registry that dispatches them.
package capability

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Parameter describes one named argument of a capability.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Capability is a catalog entry.
type Capability struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// Catalog is an immutable, name-ordered list of capabilities.
type Catalog []Capability

// NewCatalog sorts caps by name.
func NewCatalog(caps ...Capability) Catalog {
	c := append(Catalog(nil), caps...)
	sort.Slice(c, func(i, j int) bool { return c[i].Name < c[j].Name })
	return c
}

// Lookup finds a capability by exact name.
func (c Catalog) Lookup(name string) (Capability, bool) {
	i := sort.Search(len(c), func(i int) bool { return c[i].Name >= name })
	if i < len(c) && c[i].Name == name {
		return c[i], true
	}
	return Capability{}, false
}

// Has reports whether name is in the catalog.
func (c Catalog) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Names returns capability names in catalog order.
func (c Catalog) Names() []string {
	out := make([]string, len(c))
	for i, cap := range c {
		out[i] = cap.Name
	}
	return out
}

// Status is the outcome class of an invocation.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusTimeout        Status = "timeout"
	StatusManualRequired Status = "manual_required"
)

// Result is what an invocation returns. Error is set for every non-success status.
type Result struct {
	Status   Status        `json:"status"`
	Payload  any           `json:"payload,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Invoker dispatches a capability by name with resolved arguments.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) Result
}

var (
	// ErrUnknown is returned for names missing from the registry.
	ErrUnknown = errors.New("unknown capability")
	// ErrManualRequired lets a handler signal that a human must act.
	ErrManualRequired = errors.New("manual action required")
)
