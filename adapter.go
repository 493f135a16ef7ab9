package persist

import (
	"context"
	"fmt"
	"math/big"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Adapter is the contract every persistence backend implements: CRUD
// primitives plus bulk variants, a clause factory for building native
// queries, a sequence factory, and the observable surface consumed by
// Dispatch.
type Adapter interface {
	Flavour() string
	Clauses() ClauseFactory

	Create(ctx context.Context, table string, id ID, rec Record, opctx *Context) error
	Get(ctx context.Context, table string, id ID, opctx *Context) (Record, error)
	Read(ctx context.Context, table string, q Query, opctx *Context) ([]Record, error)
	Update(ctx context.Context, table string, id ID, rec Record, opctx *Context) error
	Delete(ctx context.Context, table string, id ID, opctx *Context) error
	Raw(ctx context.Context, q any, opctx *Context) (any, error)

	CreateAll(ctx context.Context, table string, ids []ID, recs []Record, opctx *Context) error
	UpdateAll(ctx context.Context, table string, ids []ID, recs []Record, opctx *Context) error
	DeleteAll(ctx context.Context, table string, ids []ID, opctx *Context) error

	Sequence(opts SequenceOptions) (Sequence, error)

	Observable
}

// Observable is the observer-registration surface of an adapter.
type Observable interface {
	Observe(o Observer, filter ObserverFilter) error
	Unobserve(o Observer) error
	UpdateObservers(ctx context.Context, table string, event Operation, ids []ID, opctx *Context)
}

// Handle is the typed registration receipt returned by a Registry.
type Handle struct {
	flavour string
	reg     *Registry
}

// Flavour returns the registered flavour name.
func (h Handle) Flavour() string { return h.flavour }

// Adapter resolves the handle back to its adapter.
func (h Handle) Adapter() Adapter {
	a, _ := h.reg.Adapter(h.flavour)
	return a
}

// Registry holds named adapter flavours with explicit registration and
// teardown. Duplicate registration of a flavour is a configuration error.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	log      *zap.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		log:      log,
	}
}

// Register adds an adapter under its flavour name.
func (r *Registry) Register(a Adapter) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flavour := a.Flavour()
	if _, exists := r.adapters[flavour]; exists {
		return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateFlavour, flavour)
	}

	r.adapters[flavour] = a
	r.log.Info("adapter registered", zap.String("flavour", flavour))
	return Handle{flavour: flavour, reg: r}, nil
}

// Unregister removes a previously registered adapter.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[h.flavour]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownFlavour, h.flavour)
	}
	delete(r.adapters, h.flavour)
	return nil
}

// Adapter looks up a flavour.
func (r *Registry) Adapter(flavour string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[flavour]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlavour, flavour)
	}
	return a, nil
}

// Close tears the registry down, dropping all registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = make(map[string]Adapter)
}

// Meta is the opaque side-channel Prepare emits alongside the flat record.
type Meta map[string]any

// Prepare maps a model instance to its flat wire record using the model's
// registered column mapping, extracting the primary key. Models carrying
// their own validation fail fast here, before any I/O.
func Prepare(model any, def *ModelDef) (ID, Record, Meta, error) {
	if v, ok := model.(Validatable); ok {
		if errs := v.HasErrors(); len(errs) > 0 {
			return ID{}, nil, nil, fmt.Errorf("model validation failed: %v", errs)
		}
	}

	val := reflect.ValueOf(model)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Type() != def.typ {
		return ID{}, nil, nil, fmt.Errorf("model is %s, definition is for %s", val.Type().Name(), def.typ.Name())
	}

	rec := make(Record, len(def.columnsByProp))
	for prop, idx := range def.fieldIndex {
		rec[def.columnsByProp[prop]] = val.Field(idx).Interface()
	}

	pkVal := val.Field(def.fieldIndex[def.PrimaryKey]).Interface()
	id, err := IDFrom(pkVal)
	if err != nil {
		return ID{}, nil, nil, err
	}

	meta := Meta{
		"table":    def.Table,
		"pkColumn": def.PrimaryKeyColumn(),
	}
	return id, rec, meta, nil
}

// Revert is the inverse of Prepare: it maps a wire record back into a
// model instance, setting the primary-key property from id. Only fields
// present in the record are written, so projected records revert to
// partially filled instances.
func Revert[T any](rec Record, def *ModelDef, id ID) (T, error) {
	var out T
	val := reflect.ValueOf(&out).Elem()
	if val.Type() != def.typ {
		return out, fmt.Errorf("revert target is %s, definition is for %s", val.Type().Name(), def.typ.Name())
	}

	for prop, idx := range def.fieldIndex {
		raw, ok := rec[def.columnsByProp[prop]]
		if !ok || raw == nil {
			continue
		}
		if err := assignField(val.Field(idx), raw); err != nil {
			return out, fmt.Errorf("revert %s: %w", prop, err)
		}
	}

	if !id.IsZero() {
		native, err := id.Native()
		if err != nil {
			return out, err
		}
		if err := assignField(val.Field(def.fieldIndex[def.PrimaryKey]), native); err != nil {
			return out, fmt.Errorf("revert primary key: %w", err)
		}
	}

	return out, nil
}

func assignField(field reflect.Value, raw any) error {
	if !field.CanSet() {
		return nil
	}

	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return nil
	}

	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch n := raw.(type) {
		case int64:
			field.SetInt(n)
			return nil
		case int:
			field.SetInt(int64(n))
			return nil
		case int32:
			field.SetInt(int64(n))
			return nil
		case float64:
			field.SetInt(int64(n))
			return nil
		}
	case reflect.Float32, reflect.Float64:
		switch n := raw.(type) {
		case float64:
			field.SetFloat(n)
			return nil
		case int64:
			field.SetFloat(float64(n))
			return nil
		}
	case reflect.String:
		if s, ok := raw.(string); ok {
			field.SetString(s)
			return nil
		}
	case reflect.Bool:
		if b, ok := raw.(bool); ok {
			field.SetBool(b)
			return nil
		}
	case reflect.Ptr:
		if n, ok := raw.(*big.Int); ok && field.Type() == reflect.TypeOf((*big.Int)(nil)) {
			field.Set(reflect.ValueOf(n))
			return nil
		}
	}

	if rv.Type().ConvertibleTo(field.Type()) {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T into %s", raw, field.Type())
}

// crudOps is the primitive slice of the adapter surface the default bulk
// implementations fan out over.
type crudOps interface {
	Create(ctx context.Context, table string, id ID, rec Record, opctx *Context) error
	Update(ctx context.Context, table string, id ID, rec Record, opctx *Context) error
	Delete(ctx context.Context, table string, id ID, opctx *Context) error
}

// adapterBase carries the shared adapter machinery: flavour name, logger,
// observer handling and default bulk variants. Concrete adapters embed it
// and bind their own primitives via bindOps.
type adapterBase struct {
	flavour   string
	log       *zap.Logger
	observers *ObserverHandler
	ops       crudOps
}

func newAdapterBase(flavour string, log *zap.Logger) adapterBase {
	if log == nil {
		log = zap.NewNop()
	}
	return adapterBase{
		flavour:   flavour,
		log:       log,
		observers: NewObserverHandler(log),
	}
}

func (b *adapterBase) bindOps(ops crudOps) {
	b.ops = ops
}

func (b *adapterBase) Flavour() string {
	return b.flavour
}

// NewContext manufactures a request-scoped context for one operation.
func (b *adapterBase) NewContext(op Operation, table string, overrides map[string]any) *Context {
	return NewContext(op, table, overrides)
}

func (b *adapterBase) Observe(o Observer, filter ObserverFilter) error {
	return b.observers.Register(o, filter)
}

func (b *adapterBase) Unobserve(o Observer) error {
	return b.observers.Unregister(o)
}

func (b *adapterBase) UpdateObservers(ctx context.Context, table string, event Operation, ids []ID, opctx *Context) {
	b.observers.Notify(ctx, table, event, ids, opctx)
}

// CreateAll issues per-id creates concurrently. Both slices must be the
// same length; results aggregate positionally through the shared error.
func (b *adapterBase) CreateAll(ctx context.Context, table string, ids []ID, recs []Record, opctx *Context) error {
	if len(ids) != len(recs) {
		return fmt.Errorf("%w: %d ids, %d records", ErrBulkLengthMismatch, len(ids), len(recs))
	}
	return fanOut(ctx, len(ids), func(gctx context.Context, i int) error {
		return b.ops.Create(gctx, table, ids[i], recs[i], opctx)
	})
}

// UpdateAll issues per-id updates concurrently with the same length rule.
func (b *adapterBase) UpdateAll(ctx context.Context, table string, ids []ID, recs []Record, opctx *Context) error {
	if len(ids) != len(recs) {
		return fmt.Errorf("%w: %d ids, %d records", ErrBulkLengthMismatch, len(ids), len(recs))
	}
	return fanOut(ctx, len(ids), func(gctx context.Context, i int) error {
		return b.ops.Update(gctx, table, ids[i], recs[i], opctx)
	})
}

// DeleteAll issues per-id deletes concurrently.
func (b *adapterBase) DeleteAll(ctx context.Context, table string, ids []ID, opctx *Context) error {
	return fanOut(ctx, len(ids), func(gctx context.Context, i int) error {
		return b.ops.Delete(gctx, table, ids[i], opctx)
	})
}

func fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
