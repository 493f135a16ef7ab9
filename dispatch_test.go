package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []Operation
	tables []string
	ids    [][]ID
	err    error
}

func (o *recordingObserver) Refresh(ctx context.Context, table string, event Operation, ids []ID, opctx *Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	o.tables = append(o.tables, table)
	o.ids = append(o.ids, ids)
	return o.err
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func TestObserverHandler_RegisterTwiceFails(t *testing.T) {
	h := NewObserverHandler(nil)
	o := &recordingObserver{}

	require.NoError(t, h.Register(o, nil))
	assert.ErrorIs(t, h.Register(o, nil), ErrObserverRegistered)
}

func TestObserverHandler_UnregisterUnknownFails(t *testing.T) {
	h := NewObserverHandler(nil)
	assert.ErrorIs(t, h.Unregister(&recordingObserver{}), ErrObserverNotRegistered)
}

func TestObserverHandler_CountReturnsToZero(t *testing.T) {
	h := NewObserverHandler(nil)
	a, b := &recordingObserver{}, &recordingObserver{}

	require.NoError(t, h.Register(a, nil))
	require.NoError(t, h.Register(b, nil))
	assert.Equal(t, 2, h.Count())

	require.NoError(t, h.Unregister(a))
	require.NoError(t, h.Unregister(b))
	assert.Zero(t, h.Count())
}

func TestObserverHandler_NotifyDeliversToAll(t *testing.T) {
	h := NewObserverHandler(nil)
	a, b := &recordingObserver{}, &recordingObserver{}
	require.NoError(t, h.Register(a, nil))
	require.NoError(t, h.Register(b, nil))

	ids := []ID{StringID("1")}
	h.Notify(context.Background(), "users", OperationCreate, ids, nil)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, []Operation{OperationCreate}, a.events)
}

func TestObserverHandler_FailingObserverNeverPropagates(t *testing.T) {
	h := NewObserverHandler(nil)
	failing := &recordingObserver{err: errors.New("refresh exploded")}
	healthy := &recordingObserver{}
	require.NoError(t, h.Register(failing, nil))
	require.NoError(t, h.Register(healthy, nil))

	h.Notify(context.Background(), "users", OperationUpdate, []ID{StringID("1")}, nil)

	// both ran; the failure was swallowed
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, healthy.count())
}

func TestObserverHandler_FilterExcludes(t *testing.T) {
	h := NewObserverHandler(nil)
	excluded := &recordingObserver{}
	included := &recordingObserver{}

	require.NoError(t, h.Register(excluded, func(table string, event Operation, ids []ID) (bool, error) {
		return false, nil
	}))
	require.NoError(t, h.Register(included, func(table string, event Operation, ids []ID) (bool, error) {
		return table == "users", nil
	}))

	h.Notify(context.Background(), "users", OperationDelete, []ID{StringID("1")}, nil)

	assert.Zero(t, excluded.count())
	assert.Equal(t, 1, included.count())
}

func TestObserverHandler_PanickingFilterExcludesObserverOnly(t *testing.T) {
	h := NewObserverHandler(nil)
	panicky := &recordingObserver{}
	healthy := &recordingObserver{}

	require.NoError(t, h.Register(panicky, func(table string, event Operation, ids []ID) (bool, error) {
		panic("bad filter")
	}))
	require.NoError(t, h.Register(healthy, nil))

	h.Notify(context.Background(), "users", OperationCreate, []ID{StringID("1")}, nil)

	assert.Zero(t, panicky.count())
	assert.Equal(t, 1, healthy.count())
}

func TestDispatch_WithoutAdapterFailsGuardedOps(t *testing.T) {
	d := NewDispatch(nil, nil)

	err := d.Create(context.Background(), "users", StringID("1"), Record{}, nil)
	assert.ErrorIs(t, err, ErrNoAdapter)

	_, err = d.Get(context.Background(), "users", StringID("1"), nil)
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestDispatch_WriteNotifiesObservers(t *testing.T) {
	f, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)
	d := NewDispatch(f, nil)

	o := &recordingObserver{}
	require.NoError(t, d.Observe(o, nil))

	ctx := context.Background()
	id := StringID("u1")
	require.NoError(t, d.Create(ctx, "users", id, Record{"id": "u1", "name": "Marta"}, nil))

	require.Eventually(t, func() bool { return o.count() == 1 }, time.Second, 10*time.Millisecond)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, OperationCreate, o.events[0])
	assert.Equal(t, "users", o.tables[0])
	assert.Equal(t, []ID{id}, o.ids[0])
}

func TestDispatch_BulkWriteNotifiesSingularEvent(t *testing.T) {
	f, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)
	d := NewDispatch(f, nil)

	o := &recordingObserver{}
	require.NoError(t, d.Observe(o, nil))

	ctx := context.Background()
	ids := []ID{StringID("a"), StringID("b")}
	recs := []Record{{"id": "a"}, {"id": "b"}}
	require.NoError(t, d.CreateAll(ctx, "users", ids, recs, nil))

	require.Eventually(t, func() bool { return o.count() == 1 }, time.Second, 10*time.Millisecond)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, OperationCreate, o.events[0], "bulk events notify as their singular form")
	assert.Equal(t, ids, o.ids[0])
}

func TestDispatch_FailedWriteDoesNotNotify(t *testing.T) {
	f, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)
	d := NewDispatch(f, nil)

	o := &recordingObserver{}
	require.NoError(t, d.Observe(o, nil))

	ctx := context.Background()
	err = d.Update(ctx, "users", StringID("missing"), Record{"id": "missing"}, nil)
	require.ErrorIs(t, err, ErrKeyNotFound)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, o.count())
}

func TestDispatch_BulkLengthMismatch(t *testing.T) {
	f, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)
	d := NewDispatch(f, nil)

	err = d.CreateAll(context.Background(), "users",
		[]ID{StringID("a")}, []Record{{"id": "a"}, {"id": "b"}}, nil)
	assert.ErrorIs(t, err, ErrBulkLengthMismatch)
}

func TestRegistry_DuplicateFlavour(t *testing.T) {
	reg := NewRegistry(nil)

	f1, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)
	f2, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)

	h, err := reg.Register(f1)
	require.NoError(t, err)
	assert.Equal(t, FilesystemFlavour, h.Flavour())

	_, err = reg.Register(f2)
	assert.ErrorIs(t, err, ErrDuplicateFlavour)

	got, err := reg.Adapter(FilesystemFlavour)
	require.NoError(t, err)
	assert.Same(t, f1, got)

	require.NoError(t, reg.Unregister(h))
	_, err = reg.Adapter(FilesystemFlavour)
	assert.ErrorIs(t, err, ErrUnknownFlavour)
}
