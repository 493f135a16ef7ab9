package persist

import (
	"time"

	"github.com/google/uuid"
)

// Operation classifies an adapter call.
type Operation string

const (
	OperationCreate    Operation = "create"
	OperationRead      Operation = "read"
	OperationUpdate    Operation = "update"
	OperationDelete    Operation = "delete"
	OperationCreateAll Operation = "createAll"
	OperationUpdateAll Operation = "updateAll"
	OperationDeleteAll Operation = "deleteAll"
	OperationRaw       Operation = "raw"
)

// IsWrite reports whether the operation mutates stored state.
func (op Operation) IsWrite() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationCreateAll, OperationUpdateAll, OperationDeleteAll:
		return true
	}
	return false
}

// Singular maps a bulk operation to its per-record equivalent. Non-bulk
// operations map to themselves.
func (op Operation) Singular() Operation {
	switch op {
	case OperationCreateAll:
		return OperationCreate
	case OperationUpdateAll:
		return OperationUpdate
	case OperationDeleteAll:
		return OperationDelete
	}
	return op
}

// Context is the request-scoped flag carrier threaded as an explicit final
// parameter through adapter calls. It is immutable once built; Accumulate
// returns a patched copy.
type Context struct {
	Operation     Operation
	Table         string
	Timestamp     time.Time
	CorrelationID string
	values        map[string]any
}

// NewContext manufactures a context for one operation against a table.
func NewContext(op Operation, table string, overrides map[string]any) *Context {
	values := make(map[string]any, len(overrides))
	for k, v := range overrides {
		values[k] = v
	}
	return &Context{
		Operation:     op,
		Table:         table,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		values:        values,
	}
}

// Get returns an override value, nil when absent.
func (c *Context) Get(key string) any {
	if c == nil {
		return nil
	}
	return c.values[key]
}

// Accumulate returns a copy of the context with the patch merged over the
// existing overrides.
func (c *Context) Accumulate(patch map[string]any) *Context {
	merged := make(map[string]any, len(c.values)+len(patch))
	for k, v := range c.values {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	clone := *c
	clone.values = merged
	return &clone
}
