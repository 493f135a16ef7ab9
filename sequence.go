package persist

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// SequenceKind selects the value domain of a sequence.
type SequenceKind string

const (
	SequenceNumber SequenceKind = "number"
	SequenceBigInt SequenceKind = "bigint"
	SequenceSerial SequenceKind = "serial"
	SequenceUUID   SequenceKind = "uuid"
)

// SequenceOptions configures a named sequence. IncrementBy defaults to 1;
// serial sequences force it to 1. StartWith is the value returned when no
// counter record exists yet (int64 or *big.Int depending on kind).
type SequenceOptions struct {
	Name        string
	Kind        SequenceKind
	StartWith   any
	IncrementBy int64
}

// Sequence is a named monotonic value generator backed by a persisted
// counter record. Concurrent Next calls on the same name serialize behind
// a process-wide per-name lock and never return the same value twice.
type Sequence interface {
	Name() string
	Current(ctx context.Context) (any, error)
	Next(ctx context.Context) (any, error)
	// Range reserves count values in one increment and returns them in
	// ascending order. Unsupported for uuid and serial sequences.
	Range(ctx context.Context, count int) ([]any, error)
}

// SequenceTable is the table counter records persist into.
const SequenceTable = "sequences"

// sequenceLocks keys process-wide mutual exclusion by sequence name,
// shared across all Sequence instances.
var sequenceLocks sync.Map

func sequenceLock(name string) *sync.Mutex {
	mu, _ := sequenceLocks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// adapterSequence persists its counter through the owning adapter, so the
// backend controls durability while the stepping logic stays shared.
type adapterSequence struct {
	adapter Adapter
	opts    SequenceOptions
}

// NewAdapterSequence builds the default Sequence implementation on top of
// an adapter's CRUD primitives.
func NewAdapterSequence(a Adapter, opts SequenceOptions) (Sequence, error) {
	if opts.Name == "" {
		return nil, errors.New("sequence requires a name")
	}
	if opts.Kind == "" {
		opts.Kind = SequenceNumber
	}
	if opts.IncrementBy == 0 {
		opts.IncrementBy = 1
	}
	if opts.IncrementBy < 0 {
		return nil, fmt.Errorf("IncrementBy must be positive, got %d", opts.IncrementBy)
	}
	if opts.Kind == SequenceSerial {
		opts.IncrementBy = 1
	}
	return &adapterSequence{adapter: a, opts: opts}, nil
}

func (s *adapterSequence) Name() string {
	return s.opts.Name
}

func (s *adapterSequence) load(ctx context.Context) (string, bool, error) {
	opctx := NewContext(OperationRead, SequenceTable, nil)
	rec, err := s.adapter.Get(ctx, SequenceTable, StringID(s.opts.Name), opctx)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrNoRow) {
			return "", false, nil
		}
		return "", false, err
	}
	cur, _ := rec["current"].(string)
	return cur, true, nil
}

func (s *adapterSequence) store(ctx context.Context, value string, exists bool) error {
	rec := Record{"id": s.opts.Name, "current": value}
	if exists {
		opctx := NewContext(OperationUpdate, SequenceTable, nil)
		return s.adapter.Update(ctx, SequenceTable, StringID(s.opts.Name), rec, opctx)
	}
	opctx := NewContext(OperationCreate, SequenceTable, nil)
	return s.adapter.Create(ctx, SequenceTable, StringID(s.opts.Name), rec, opctx)
}

func (s *adapterSequence) startWith() (*big.Int, error) {
	switch v := s.opts.StartWith.(type) {
	case nil:
		return nil, ErrMissingStartWith
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case *big.Int:
		return new(big.Int).Set(v), nil
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("malformed StartWith %q", v)
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported StartWith type %T", s.opts.StartWith)
}

// native converts a stored counter string into the kind's Go value.
func (s *adapterSequence) native(v *big.Int) any {
	if s.opts.Kind == SequenceBigInt {
		return new(big.Int).Set(v)
	}
	return v.Int64()
}

func (s *adapterSequence) Current(ctx context.Context) (any, error) {
	if s.opts.Kind == SequenceUUID {
		cur, exists, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("sequence %s: %w", s.opts.Name, ErrMissingStartWith)
		}
		return cur, nil
	}

	cur, exists, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		start, err := s.startWith()
		if err != nil {
			return nil, fmt.Errorf("sequence %s: %w", s.opts.Name, err)
		}
		return s.native(start), nil
	}

	n, ok := new(big.Int).SetString(cur, 10)
	if !ok {
		return nil, fmt.Errorf("sequence %s: malformed stored value %q", s.opts.Name, cur)
	}
	return s.native(n), nil
}

func (s *adapterSequence) Next(ctx context.Context) (any, error) {
	if s.opts.Kind == SequenceUUID {
		return s.nextUUID(ctx)
	}
	v, err := s.increment(ctx, s.opts.IncrementBy)
	if err != nil {
		return nil, err
	}
	return s.native(v), nil
}

// increment advances the counter by delta under the per-name lock. delta
// must be an exact multiple of IncrementBy.
func (s *adapterSequence) increment(ctx context.Context, delta int64) (*big.Int, error) {
	if delta%s.opts.IncrementBy != 0 {
		return nil, fmt.Errorf("sequence %s: delta %d: %w", s.opts.Name, delta, ErrInvalidIncrement)
	}

	mu := sequenceLock(s.opts.Name)
	mu.Lock()
	defer mu.Unlock()

	cur, exists, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	var base *big.Int
	if exists {
		var ok bool
		base, ok = new(big.Int).SetString(cur, 10)
		if !ok {
			return nil, fmt.Errorf("sequence %s: malformed stored value %q", s.opts.Name, cur)
		}
	} else {
		base, err = s.startWith()
		if err != nil {
			return nil, fmt.Errorf("sequence %s: %w", s.opts.Name, err)
		}
	}

	next := new(big.Int).Add(base, big.NewInt(delta))
	if err := s.store(ctx, next.String(), exists); err != nil {
		return nil, err
	}
	return next, nil
}

// nextUUID loops generating a fresh UUID and upserting it optimistically.
// A conflict means another writer won the race; the loop retries with a
// new value instead of locking.
func (s *adapterSequence) nextUUID(ctx context.Context) (any, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		v := uuid.NewString()
		_, exists, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		err = s.store(ctx, v, exists)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrKeyAlreadyExists) || errors.Is(err, ErrConflict) {
			continue
		}
		return nil, err
	}
}

func (s *adapterSequence) Range(ctx context.Context, count int) ([]any, error) {
	if s.opts.Kind == SequenceUUID || s.opts.Kind == SequenceSerial {
		return nil, fmt.Errorf("sequence %s (%s): %w", s.opts.Name, s.opts.Kind, ErrRangeUnsupported)
	}
	if count <= 0 {
		return nil, fmt.Errorf("sequence %s: range count must be positive", s.opts.Name)
	}

	// One reservation instead of count round trips: take count*IncrementBy
	// and step backward from the new current.
	last, err := s.increment(ctx, int64(count)*s.opts.IncrementBy)
	if err != nil {
		return nil, err
	}

	step := big.NewInt(s.opts.IncrementBy)
	values := make([]any, count)
	v := new(big.Int).Set(last)
	for i := count - 1; i >= 0; i-- {
		values[i] = s.native(v)
		v = new(big.Int).Sub(v, step)
	}
	return values, nil
}
