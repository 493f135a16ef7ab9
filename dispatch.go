package persist

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Observer receives change notifications after committed writes.
type Observer interface {
	Refresh(ctx context.Context, table string, event Operation, ids []ID, opctx *Context) error
}

// ObserverFilter decides whether an observer cares about an event. A nil
// filter accepts everything. Filters that panic or error exclude the
// observer for that event; they never abort delivery to others.
type ObserverFilter func(table string, event Operation, ids []ID) (bool, error)

type observerEntry struct {
	observer Observer
	filter   ObserverFilter
}

// ObserverHandler keeps the insertion-ordered observer registration list
// and fans notifications out with best-effort delivery.
type ObserverHandler struct {
	mu      sync.RWMutex
	entries []observerEntry
	log     *zap.Logger
}

// NewObserverHandler creates an empty handler.
func NewObserverHandler(log *zap.Logger) *ObserverHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ObserverHandler{log: log}
}

// Register adds an observer with an optional filter. Registering the same
// observer instance twice is an error.
func (h *ObserverHandler) Register(o Observer, filter ObserverFilter) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, e := range h.entries {
		if e.observer == o {
			return ErrObserverRegistered
		}
	}
	h.entries = append(h.entries, observerEntry{observer: o, filter: filter})
	return nil
}

// Unregister removes an observer. Removing one that was never registered
// is an error.
func (h *ObserverHandler) Unregister(o Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.entries {
		if e.observer == o {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return nil
		}
	}
	return ErrObserverNotRegistered
}

// Count returns the number of registered observers.
func (h *ObserverHandler) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Notify evaluates filters and invokes Refresh on the survivors
// concurrently. Individual failures are logged and never propagate; the
// write that triggered the notification has already succeeded.
func (h *ObserverHandler) Notify(ctx context.Context, table string, event Operation, ids []ID, opctx *Context) {
	h.mu.RLock()
	entries := make([]observerEntry, len(h.entries))
	copy(entries, h.entries)
	h.mu.RUnlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		if e.filter != nil && !h.passesFilter(e, table, event, ids) {
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error("observer refresh panicked",
						zap.String("table", table),
						zap.String("event", string(event)),
						zap.Any("panic", r))
				}
			}()
			if err := e.observer.Refresh(ctx, table, event, ids, opctx); err != nil {
				h.log.Error("observer refresh failed",
					zap.String("table", table),
					zap.String("event", string(event)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *ObserverHandler) passesFilter(e observerEntry, table string, event Operation, ids []ID) (pass bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("observer excluded: filter panicked", zap.Any("panic", r))
			pass = false
		}
	}()

	ok, err := e.filter(table, event, ids)
	if err != nil {
		h.log.Warn("observer excluded: filter failed", zap.Error(err))
		return false
	}
	return ok
}

// Dispatch decorates an adapter so that every committed write notifies the
// adapter's observers. The decorator implements Adapter itself, so it
// composes at construction time instead of patching methods.
//
// A Dispatch built before an adapter is attached is safe: writes fail with
// ErrNoAdapter and notification degrades to a logged warning.
type Dispatch struct {
	inner Adapter
	log   *zap.Logger
}

// NewDispatch wraps an adapter. inner may be nil and attached later.
func NewDispatch(inner Adapter, log *zap.Logger) *Dispatch {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatch{inner: inner, log: log}
	if inner == nil {
		log.Warn("dispatch constructed without an adapter; notifications are a no-op")
	}
	return d
}

// Attach wires the adapter a bare Dispatch was constructed without.
func (d *Dispatch) Attach(a Adapter) {
	d.inner = a
}

func (d *Dispatch) notify(table string, event Operation, ids []ID, opctx *Context) {
	if d.inner == nil {
		d.log.Warn("dispatch has no adapter; dropping notification",
			zap.String("table", table), zap.String("event", string(event)))
		return
	}
	// Fire and forget: the caller's write already committed.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("dispatch notification panicked", zap.Any("panic", r))
			}
		}()
		d.inner.UpdateObservers(context.Background(), table, event.Singular(), ids, opctx)
	}()
}

func (d *Dispatch) guard() error {
	if d.inner == nil {
		return ErrNoAdapter
	}
	return nil
}

func (d *Dispatch) Flavour() string {
	if d.inner == nil {
		return ""
	}
	return d.inner.Flavour()
}

func (d *Dispatch) Clauses() ClauseFactory {
	if d.inner == nil {
		return nil
	}
	return d.inner.Clauses()
}

func (d *Dispatch) Create(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.inner.Create(ctx, table, id, rec, opctx); err != nil {
		return err
	}
	d.notify(table, OperationCreate, []ID{id}, opctx)
	return nil
}

func (d *Dispatch) Get(ctx context.Context, table string, id ID, opctx *Context) (Record, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.inner.Get(ctx, table, id, opctx)
}

func (d *Dispatch) Read(ctx context.Context, table string, q Query, opctx *Context) ([]Record, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.inner.Read(ctx, table, q, opctx)
}

func (d *Dispatch) Update(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.inner.Update(ctx, table, id, rec, opctx); err != nil {
		return err
	}
	d.notify(table, OperationUpdate, []ID{id}, opctx)
	return nil
}

func (d *Dispatch) Delete(ctx context.Context, table string, id ID, opctx *Context) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.inner.Delete(ctx, table, id, opctx); err != nil {
		return err
	}
	d.notify(table, OperationDelete, []ID{id}, opctx)
	return nil
}

func (d *Dispatch) Raw(ctx context.Context, q any, opctx *Context) (any, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.inner.Raw(ctx, q, opctx)
}

func (d *Dispatch) CreateAll(ctx context.Context, table string, ids []ID, recs []Record, opctx *Context) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.inner.CreateAll(ctx, table, ids, recs, opctx); err != nil {
		return err
	}
	d.notify(table, OperationCreateAll, ids, opctx)
	return nil
}

func (d *Dispatch) UpdateAll(ctx context.Context, table string, ids []ID, recs []Record, opctx *Context) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.inner.UpdateAll(ctx, table, ids, recs, opctx); err != nil {
		return err
	}
	d.notify(table, OperationUpdateAll, ids, opctx)
	return nil
}

func (d *Dispatch) DeleteAll(ctx context.Context, table string, ids []ID, opctx *Context) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.inner.DeleteAll(ctx, table, ids, opctx); err != nil {
		return err
	}
	d.notify(table, OperationDeleteAll, ids, opctx)
	return nil
}

func (d *Dispatch) Sequence(opts SequenceOptions) (Sequence, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.inner.Sequence(opts)
}

func (d *Dispatch) Observe(o Observer, filter ObserverFilter) error {
	if err := d.guard(); err != nil {
		return err
	}
	return d.inner.Observe(o, filter)
}

func (d *Dispatch) Unobserve(o Observer) error {
	if err := d.guard(); err != nil {
		return err
	}
	return d.inner.Unobserve(o)
}

func (d *Dispatch) UpdateObservers(ctx context.Context, table string, event Operation, ids []ID, opctx *Context) {
	if d.inner == nil {
		d.log.Warn("dispatch has no adapter; dropping notification")
		return
	}
	d.inner.UpdateObservers(ctx, table, event, ids, opctx)
}

var _ Adapter = (*Dispatch)(nil)
