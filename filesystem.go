package persist

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// FilesystemFlavour is the registry name of the filesystem backend.
const FilesystemFlavour = "filesystem"

// fsRow is the on-disk shape of one record: the typed id travels with the
// record so string, number and bigint keys round-trip losslessly.
type fsRow struct {
	ID     ID     `json:"id"`
	Record Record `json:"record"`
}

// FilesystemAdapter stores one JSON file per record under
// <rootDir>/<alias>/<table>/<urlEncodedId>.json, with derived index files
// per table and lock files for cross-process mutual exclusion. Reads serve
// from an in-memory cache per table, hydrated lazily and kept fresh by a
// directory watcher when watching is enabled.
type FilesystemAdapter struct {
	adapterBase

	root          string
	alias         string
	lockRetry     time.Duration
	lockStaleness time.Duration
	watchEnabled  bool

	mu      sync.RWMutex
	cache   map[string]map[ID]Record
	watcher *fsWatcher
}

// FilesystemOption customizes a filesystem adapter.
type FilesystemOption func(*FilesystemAdapter)

// WithFsAlias sets the namespace directory under the root. Defaults to
// "default".
func WithFsAlias(alias string) FilesystemOption {
	return func(f *FilesystemAdapter) { f.alias = alias }
}

// WithFsWatch enables the directory watcher so rows written by other
// processes refresh the cache.
func WithFsWatch() FilesystemOption {
	return func(f *FilesystemAdapter) { f.watchEnabled = true }
}

// WithFsLockTimings overrides the lock polling interval and the staleness
// window after which an abandoned lock file is broken.
func WithFsLockTimings(retry, staleness time.Duration) FilesystemOption {
	return func(f *FilesystemAdapter) {
		f.lockRetry = retry
		f.lockStaleness = staleness
	}
}

// WithFsLogger sets the adapter logger.
func WithFsLogger(log *zap.Logger) FilesystemOption {
	return func(f *FilesystemAdapter) {
		f.log = log
		f.observers = NewObserverHandler(log)
	}
}

// CreateFilesystemAdapter builds a filesystem adapter rooted at rootDir.
func CreateFilesystemAdapter(rootDir string, opts ...FilesystemOption) (*FilesystemAdapter, error) {
	f := &FilesystemAdapter{
		adapterBase:   newAdapterBase(FilesystemFlavour, nil),
		root:          rootDir,
		alias:         "default",
		lockRetry:     defaultLockRetry,
		lockStaleness: defaultLockStaleness,
		cache:         make(map[string]map[ID]Record),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.bindOps(f)

	if err := os.MkdirAll(f.aliasDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}

	if f.watchEnabled {
		w, err := newFsWatcher(f.log, f.onWatchEvent)
		if err != nil {
			return nil, err
		}
		f.watcher = w
	}
	return f, nil
}

// CreateFilesystemAdapterFromConfig builds the adapter from a loaded
// Config.
func CreateFilesystemAdapterFromConfig(cfg *Config, log *zap.Logger) (*FilesystemAdapter, error) {
	opts := []FilesystemOption{
		WithFsAlias(cfg.Filesystem.Alias),
		WithFsLockTimings(cfg.Filesystem.LockRetry, cfg.Filesystem.LockStaleness),
		WithFsLogger(log),
	}
	if cfg.Filesystem.Watch {
		opts = append(opts, WithFsWatch())
	}
	return CreateFilesystemAdapter(cfg.Filesystem.RootDir, opts...)
}

// Close stops the watcher. Pending writes are unaffected.
func (f *FilesystemAdapter) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *FilesystemAdapter) aliasDir() string {
	return filepath.Join(f.root, f.alias)
}

func (f *FilesystemAdapter) tableDir(table string) string {
	return filepath.Join(f.aliasDir(), table)
}

func (f *FilesystemAdapter) rowPath(table string, id ID) string {
	return filepath.Join(f.tableDir(table), url.PathEscape(id.Value)+".json")
}

func (f *FilesystemAdapter) tableLock(table string) *FilesystemLock {
	dir := filepath.Join(f.aliasDir(), "locks")
	return NewFilesystemLock(dir, table, f.lockRetry, f.lockStaleness)
}

func (f *FilesystemAdapter) indexStore(table string) *FsIndexStore {
	return NewFsIndexStore(f.tableDir(table))
}

func (f *FilesystemAdapter) Clauses() ClauseFactory {
	return fsClauseFactory{}
}

// Create writes a new row. An existing row for the id is a conflict.
func (f *FilesystemAdapter) Create(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	return f.writeRow(ctx, table, id, rec, false)
}

// Update replaces an existing row.
func (f *FilesystemAdapter) Update(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	return f.writeRow(ctx, table, id, rec, true)
}

func (f *FilesystemAdapter) writeRow(ctx context.Context, table string, id ID, rec Record, mustExist bool) error {
	lock := f.tableLock(table)
	return lock.WithLock(ctx, func() error {
		path := f.rowPath(table, id)
		_, err := os.Stat(path)
		exists := err == nil
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if !mustExist && exists {
			return fmt.Errorf("%w: %s/%s", ErrKeyAlreadyExists, table, id.Value)
		}
		if mustExist && !exists {
			return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, id.Value)
		}

		data, err := json.Marshal(fsRow{ID: id, Record: rec})
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
		if err := writeFileAtomic(path, data); err != nil {
			return err
		}

		// Index maintenance is part of the committed write; the table
		// lock makes it atomic with respect to the row file.
		if def, ok := ModelDefByTable(table); ok && len(def.Indexes) > 0 {
			if err := f.indexStore(table).UpdateRow(def, id, rec); err != nil {
				return err
			}
		}

		f.cachePut(table, id, rec)
		return nil
	})
}

// Get reads one row by id. Absence of the file or the table directory is
// not-found, never an I/O error.
func (f *FilesystemAdapter) Get(ctx context.Context, table string, id ID, opctx *Context) (Record, error) {
	f.mu.RLock()
	if rows, ok := f.cache[table]; ok {
		if rec, ok := rows[id]; ok {
			f.mu.RUnlock()
			return rec, nil
		}
	}
	f.mu.RUnlock()

	row, err := f.readRowFile(f.rowPath(table, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, id.Value)
		}
		return nil, err
	}
	f.cachePut(table, row.ID, row.Record)
	return row.Record, nil
}

// Delete removes a row and its index entries.
func (f *FilesystemAdapter) Delete(ctx context.Context, table string, id ID, opctx *Context) error {
	lock := f.tableLock(table)
	return lock.WithLock(ctx, func() error {
		path := f.rowPath(table, id)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, id.Value)
			}
			return err
		}
		if def, ok := ModelDefByTable(table); ok && len(def.Indexes) > 0 {
			if err := f.indexStore(table).RemoveRow(def, id); err != nil {
				return err
			}
		}
		f.cacheDelete(table, id)
		return nil
	})
}

// Read executes a folded filesystem query against the table snapshot.
func (f *FilesystemAdapter) Read(ctx context.Context, table string, q Query, opctx *Context) ([]Record, error) {
	fq, ok := q.(*fsQuery)
	if !ok {
		return nil, fmt.Errorf("filesystem adapter expects *fsQuery, got %T", q)
	}

	rows, err := f.snapshot(table)
	if err != nil {
		return nil, err
	}
	return fq.run(rows)
}

// FsRawQuery is the native "raw" payload of the filesystem backend: an
// arbitrary function run against the adapter's alias directory.
type FsRawQuery func(ctx context.Context, aliasDir string) (any, error)

func (f *FilesystemAdapter) Raw(ctx context.Context, q any, opctx *Context) (any, error) {
	switch raw := q.(type) {
	case FsRawQuery:
		return raw(ctx, f.aliasDir())
	case func(ctx context.Context, aliasDir string) (any, error):
		return raw(ctx, f.aliasDir())
	case *fsQuery:
		if raw.table == "" {
			return nil, fmt.Errorf("raw query has no table")
		}
		return f.Read(ctx, raw.table, raw, opctx)
	}
	return nil, fmt.Errorf("filesystem adapter cannot run raw query of type %T", q)
}

func (f *FilesystemAdapter) Sequence(opts SequenceOptions) (Sequence, error) {
	return NewAdapterSequence(f, opts)
}

// snapshot returns the table's records, hydrating the cache on first use
// and arming the watcher for the table directory.
func (f *FilesystemAdapter) snapshot(table string) ([]Record, error) {
	f.mu.RLock()
	rows, hydrated := f.cache[table]
	if hydrated {
		out := make([]Record, 0, len(rows))
		for _, rec := range rows {
			out = append(out, rec)
		}
		f.mu.RUnlock()
		return out, nil
	}
	f.mu.RUnlock()

	loaded, err := f.loadTable(table)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[table] = loaded
	f.mu.Unlock()

	if f.watcher != nil {
		if err := f.watcher.EnsureWatching(table, f.tableDir(table)); err != nil {
			f.log.Warn("cannot watch table directory",
				zap.String("table", table), zap.Error(err))
		}
	}

	out := make([]Record, 0, len(loaded))
	for _, rec := range loaded {
		out = append(out, rec)
	}
	return out, nil
}

// loadTable scans the table directory. A missing directory is an empty
// table.
func (f *FilesystemAdapter) loadTable(table string) (map[ID]Record, error) {
	rows := make(map[ID]Record)

	entries, err := os.ReadDir(f.tableDir(table))
	if err != nil {
		if os.IsNotExist(err) {
			return rows, nil
		}
		return nil, err
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
			continue
		}
		row, err := f.readRowFile(filepath.Join(f.tableDir(table), name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		rows[row.ID] = row.Record
	}
	return rows, nil
}

func (f *FilesystemAdapter) readRowFile(path string) (*fsRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var row fsRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode row %s: %w", filepath.Base(path), err)
	}
	return &row, nil
}

func (f *FilesystemAdapter) cachePut(table string, id ID, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rows, ok := f.cache[table]; ok {
		rows[id] = rec
	}
}

func (f *FilesystemAdapter) cacheDelete(table string, id ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rows, ok := f.cache[table]; ok {
		delete(rows, id)
	}
}

// onWatchEvent refreshes or evicts one cached row after an external change
// to its file.
func (f *FilesystemAdapter) onWatchEvent(table, path string, op fsnotify.Op) {
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		if _, err := os.Stat(path); err == nil {
			// Rename into place; fall through to a reload below.
		} else {
			f.evictByPath(table, path)
			return
		}
	}

	row, err := f.readRowFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.log.Warn("cannot refresh cached row",
				zap.String("table", table), zap.String("path", path), zap.Error(err))
		}
		return
	}
	f.cachePut(table, row.ID, row.Record)
}

func (f *FilesystemAdapter) evictByPath(table, path string) {
	value, err := url.PathUnescape(strings.TrimSuffix(filepath.Base(path), ".json"))
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rows, ok := f.cache[table]
	if !ok {
		return
	}
	for id := range rows {
		if id.Value == value {
			delete(rows, id)
		}
	}
}

var _ Adapter = (*FilesystemAdapter)(nil)

// fsQuery is the filesystem backend's native query object, accumulated by
// the clause factory and interpreted against a table snapshot.
type fsQuery struct {
	def   *ModelDef
	table string

	sel       Selector
	where     *Condition
	group     []string
	order     *OrderBySpec
	limit     int
	offset    int
	hasLimit  bool
	hasOffset bool
}

// fsClauseFactory builds clauses that mutate an fsQuery as they fold.
type fsClauseFactory struct{}

type fsClause struct {
	priority Priority
	apply    func(q *fsQuery) error
}

func (c fsClause) Priority() Priority { return c.priority }

func (c fsClause) Build(prev Query) (Query, error) {
	q, _ := prev.(*fsQuery)
	if q == nil {
		q = &fsQuery{sel: Selector{Kind: SelectAll}}
	}
	if err := c.apply(q); err != nil {
		return nil, err
	}
	return q, nil
}

func (fsClauseFactory) From(def *ModelDef) Clause {
	return fsClause{PriorityFrom, func(q *fsQuery) error {
		if def == nil {
			return fmt.Errorf("from clause requires a model definition")
		}
		q.def = def
		q.table = def.Table
		return nil
	}}
}

func (fsClauseFactory) Select(sel Selector) Clause {
	return fsClause{PrioritySelect, func(q *fsQuery) error {
		q.sel = sel
		return nil
	}}
}

func (fsClauseFactory) Where(cond *Condition) Clause {
	return fsClause{PriorityWhere, func(q *fsQuery) error {
		if errs := cond.HasErrors(); errs != nil {
			return fmt.Errorf("invalid condition: %v", errs)
		}
		q.where = cond
		return nil
	}}
}

func (fsClauseFactory) OrderBy(spec OrderBySpec) Clause {
	return fsClause{PriorityOrderBy, func(q *fsQuery) error {
		if spec.Direction != SortAsc && spec.Direction != SortDsc {
			return fmt.Errorf("%w: %q", ErrInvalidOrderDirection, spec.Direction)
		}
		q.order = &spec
		return nil
	}}
}

func (fsClauseFactory) GroupBy(fields []string) Clause {
	return fsClause{PriorityGroupBy, func(q *fsQuery) error {
		q.group = fields
		return nil
	}}
}

func (fsClauseFactory) Limit(n int) Clause {
	return fsClause{PriorityLimit, func(q *fsQuery) error {
		q.limit, q.hasLimit = n, true
		return nil
	}}
}

func (fsClauseFactory) Offset(n int) Clause {
	return fsClause{PriorityOffset, func(q *fsQuery) error {
		q.offset, q.hasOffset = n, true
		return nil
	}}
}

var _ ClauseFactory = fsClauseFactory{}

// column resolves a condition attribute to a record key through the model
// definition when one is bound.
func (q *fsQuery) column(attr string) string {
	if q.def != nil {
		return q.def.ColumnFor(attr)
	}
	return attr
}

// run interprets the query against a snapshot of table records.
func (q *fsQuery) run(rows []Record) ([]Record, error) {
	matched := make([]Record, 0, len(rows))
	for _, rec := range rows {
		if q.where != nil {
			ok, err := q.eval(q.where, rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, rec)
	}

	if len(q.group) > 0 {
		return q.grouped(matched)
	}
	if q.sel.IsAggregate() {
		v, err := q.aggregate(matched)
		if err != nil {
			return nil, err
		}
		return []Record{{string(q.sel.Kind): v}}, nil
	}

	q.sortRecords(matched)
	matched = q.window(matched)
	return q.project(matched), nil
}

// grouped buckets the matches by the group columns. With an aggregate
// selector each bucket yields its aggregate; otherwise each bucket yields
// one record of its group-column values.
func (q *fsQuery) grouped(rows []Record) ([]Record, error) {
	cols := Map(q.group, func(g string) string { return q.column(g) })

	type bucket struct {
		key  Record
		rows []Record
	}
	var order []string
	buckets := make(map[string]*bucket)

	for _, rec := range rows {
		key := make(Record, len(cols))
		parts := make([]string, len(cols))
		for i, col := range cols {
			key[col] = rec[col]
			parts[i] = fmt.Sprint(rec[col])
		}
		k := strings.Join(parts, "\x00")
		b, ok := buckets[k]
		if !ok {
			b = &bucket{key: key}
			buckets[k] = b
			order = append(order, k)
		}
		b.rows = append(b.rows, rec)
	}

	out := make([]Record, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		rec := b.key
		if q.sel.IsAggregate() {
			v, err := q.aggregate(b.rows)
			if err != nil {
				return nil, err
			}
			rec = make(Record, len(b.key)+1)
			for c, val := range b.key {
				rec[c] = val
			}
			rec[string(q.sel.Kind)] = v
		}
		out = append(out, rec)
	}

	q.sortRecords(out)
	return q.window(out), nil
}

func (q *fsQuery) aggregate(rows []Record) (any, error) {
	if q.sel.Kind == SelectCount {
		return int64(len(rows)), nil
	}
	if len(q.sel.Fields) == 0 {
		return nil, fmt.Errorf("%s aggregate requires a field", q.sel.Kind)
	}
	col := q.column(q.sel.Fields[0])

	switch q.sel.Kind {
	case SelectMin, SelectMax:
		var best any
		for _, rec := range rows {
			v, ok := rec[col]
			if !ok || v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c, err := compareValues(v, best)
			if err != nil {
				return nil, err
			}
			if (q.sel.Kind == SelectMin && c < 0) || (q.sel.Kind == SelectMax && c > 0) {
				best = v
			}
		}
		return best, nil
	case SelectSum, SelectAvg:
		sum := 0.0
		n := 0
		for _, rec := range rows {
			v, ok := rec[col]
			if !ok || v == nil {
				continue
			}
			fv, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("%s: non-numeric value %v in column %s", q.sel.Kind, v, col)
			}
			sum += fv
			n++
		}
		if q.sel.Kind == SelectSum {
			return sum, nil
		}
		if n == 0 {
			return 0.0, nil
		}
		return sum / float64(n), nil
	}
	return nil, fmt.Errorf("unsupported aggregate %s", q.sel.Kind)
}

func (q *fsQuery) sortRecords(rows []Record) {
	if q.order == nil || len(q.order.Fields) == 0 {
		return
	}
	cols := Map(q.order.Fields, func(f string) string { return q.column(f) })
	desc := q.order.Direction == SortDsc

	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range cols {
			c, err := compareValues(rows[i][col], rows[j][col])
			if err != nil || c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func (q *fsQuery) window(rows []Record) []Record {
	if q.hasOffset {
		if q.offset >= len(rows) {
			return nil
		}
		rows = rows[q.offset:]
	}
	if q.hasLimit && q.limit < len(rows) {
		rows = rows[:q.limit]
	}
	return rows
}

func (q *fsQuery) project(rows []Record) []Record {
	switch q.sel.Kind {
	case SelectFields:
		cols := Map(q.sel.Fields, func(f string) string { return q.column(f) })
		out := make([]Record, len(rows))
		for i, rec := range rows {
			p := make(Record, len(cols))
			for _, col := range cols {
				if v, ok := rec[col]; ok {
					p[col] = v
				}
			}
			out[i] = p
		}
		return out
	case SelectDistinct:
		cols := Map(q.sel.Fields, func(f string) string { return q.column(f) })
		if len(cols) == 0 && q.def != nil {
			cols = q.def.Columns()
		}
		seen := make(map[string]bool)
		var out []Record
		for _, rec := range rows {
			p := make(Record, len(cols))
			parts := make([]string, len(cols))
			for i, col := range cols {
				p[col] = rec[col]
				parts[i] = fmt.Sprint(rec[col])
			}
			k := strings.Join(parts, "\x00")
			if !seen[k] {
				seen[k] = true
				out = append(out, p)
			}
		}
		return out
	}
	return rows
}

// eval walks a condition tree against one record.
func (q *fsQuery) eval(c *Condition, rec Record) (bool, error) {
	if !c.IsLeaf() {
		left, err := q.eval(c.Left(), rec)
		if err != nil {
			return false, err
		}
		switch c.Operator() {
		case OpNot:
			return !left, nil
		case OpAnd:
			if !left {
				return false, nil
			}
			return q.eval(c.Right(), rec)
		case OpOr:
			if left {
				return true, nil
			}
			return q.eval(c.Right(), rec)
		}
		return false, fmt.Errorf("unsupported group operator %s", c.Operator())
	}

	v := rec[q.column(c.Attr())]
	switch c.Operator() {
	case OpEq:
		return equalValues(v, c.Value()), nil
	case OpDif:
		return !equalValues(v, c.Value()), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := compareValues(v, c.Value())
		if err != nil {
			return false, nil
		}
		switch c.Operator() {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		for _, candidate := range toSlice(c.Value()) {
			if equalValues(v, candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpRegexp:
		pattern, ok := c.Value().(string)
		if !ok {
			return false, fmt.Errorf("regexp condition on %s requires a string pattern", c.Attr())
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("regexp condition on %s: %w", c.Attr(), err)
		}
		return re.MatchString(fmt.Sprint(v)), nil
	}
	return false, fmt.Errorf("unsupported comparison operator %s", c.Operator())
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			}
			return 0, nil
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}
