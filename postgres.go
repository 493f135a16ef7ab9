package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"
)

// PostgresFlavour is the registry name of the postgres backend.
const PostgresFlavour = "postgres"

// PostgresAdapter stores records as JSONB documents keyed by the typed id:
// every table becomes (id TEXT PRIMARY KEY, id_kind TEXT, record JSONB).
// Conditions compile to SQL over record ->> extractions, so the core's
// schemaless contract maps onto postgres without per-model DDL.
type PostgresAdapter struct {
	adapterBase

	db     *sqlx.DB
	schema string

	ensured sync.Map // table -> struct{}
}

// PostgresOption customizes a postgres adapter.
type PostgresOption func(*PostgresAdapter)

// WithPgSchema sets the schema tables are created in. Defaults to public.
func WithPgSchema(schema string) PostgresOption {
	return func(p *PostgresAdapter) { p.schema = schema }
}

// WithPgLogger sets the adapter logger.
func WithPgLogger(log *zap.Logger) PostgresOption {
	return func(p *PostgresAdapter) {
		p.log = log
		p.observers = NewObserverHandler(log)
	}
}

// CreatePostgresAdapter builds a postgres adapter over an open sqlx
// connection pool.
func CreatePostgresAdapter(db *sqlx.DB, opts ...PostgresOption) (*PostgresAdapter, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres adapter requires a database connection")
	}
	p := &PostgresAdapter{
		adapterBase: newAdapterBase(PostgresFlavour, nil),
		db:          db,
		schema:      "public",
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bindOps(p)
	return p, nil
}

// CreatePostgresAdapterFromConfig opens a connection per the loaded Config
// and builds the adapter on it.
func CreatePostgresAdapterFromConfig(cfg *Config, log *zap.Logger) (*PostgresAdapter, error) {
	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Postgres.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}
	if cfg.Postgres.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}
	if cfg.Postgres.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	}
	return CreatePostgresAdapter(db, WithPgLogger(log))
}

func (p *PostgresAdapter) Clauses() ClauseFactory {
	return sqlClauseFactory{}
}

func (p *PostgresAdapter) qualified(table string) string {
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(p.schema), pq.QuoteIdentifier(table))
}

// ensureTable creates the document table on first touch.
func (p *PostgresAdapter) ensureTable(ctx context.Context, table string) error {
	if _, ok := p.ensured.Load(table); ok {
		return nil
	}
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, id_kind TEXT NOT NULL, record JSONB NOT NULL)",
		p.qualified(table))
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return wrapPostgresError(err)
	}
	p.ensured.Store(table, struct{}{})
	return nil
}

// pgRow is the scan target for one document row. Kind is nullable to
// survive rows written before the id_kind column existed.
type pgRow struct {
	ID     string      `db:"id"`
	Kind   null.String `db:"id_kind"`
	Record []byte      `db:"record"`
}

func (r pgRow) toRecord() (Record, error) {
	var rec Record
	if err := json.Unmarshal(r.Record, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", r.ID, err)
	}
	return rec, nil
}

func (p *PostgresAdapter) Create(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	if err := p.ensureTable(ctx, table); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	qry := fmt.Sprintf("INSERT INTO %s (id, id_kind, record) VALUES (?, ?, ?)", p.qualified(table))
	qry = p.db.Rebind(qry)
	if _, err := p.db.ExecContext(ctx, qry, id.Value, string(id.Kind), data); err != nil {
		return wrapPostgresError(err)
	}
	return nil
}

func (p *PostgresAdapter) Get(ctx context.Context, table string, id ID, opctx *Context) (Record, error) {
	if err := p.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	qry := p.db.Rebind(fmt.Sprintf(
		"SELECT id, id_kind, record FROM %s WHERE id = ?", p.qualified(table)))

	var row pgRow
	if err := p.db.GetContext(ctx, &row, qry, id.Value); err != nil {
		return nil, wrapPostgresError(err)
	}
	return row.toRecord()
}

func (p *PostgresAdapter) Update(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	if err := p.ensureTable(ctx, table); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	qry := p.db.Rebind(fmt.Sprintf(
		"UPDATE %s SET record = ?, id_kind = ? WHERE id = ?", p.qualified(table)))
	res, err := p.db.ExecContext(ctx, qry, data, string(id.Kind), id.Value)
	if err != nil {
		return wrapPostgresError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, id.Value)
	}
	return nil
}

func (p *PostgresAdapter) Delete(ctx context.Context, table string, id ID, opctx *Context) error {
	if err := p.ensureTable(ctx, table); err != nil {
		return err
	}

	qry := p.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", p.qualified(table)))
	res, err := p.db.ExecContext(ctx, qry, id.Value)
	if err != nil {
		return wrapPostgresError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, id.Value)
	}
	return nil
}

func (p *PostgresAdapter) Read(ctx context.Context, table string, q Query, opctx *Context) ([]Record, error) {
	sq, ok := q.(*sqlQuery)
	if !ok {
		return nil, fmt.Errorf("postgres adapter expects *sqlQuery, got %T", q)
	}
	if err := p.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	qry, args, err := sq.render(p.qualified(table))
	if err != nil {
		return nil, err
	}
	qry = p.db.Rebind(qry)

	rows, err := p.db.QueryxContext(ctx, qry, args...)
	if err != nil {
		return nil, wrapPostgresError(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, wrapPostgresError(err)
		}
		rec, err := sq.reduce(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SQLRaw is the native raw payload of the SQL backends.
type SQLRaw struct {
	Query string
	Args  []any
}

func (p *PostgresAdapter) Raw(ctx context.Context, q any, opctx *Context) (any, error) {
	var raw SQLRaw
	switch v := q.(type) {
	case SQLRaw:
		raw = v
	case string:
		raw = SQLRaw{Query: v}
	default:
		return nil, fmt.Errorf("postgres adapter cannot run raw query of type %T", q)
	}

	qry := p.db.Rebind(raw.Query)
	rows, err := p.db.QueryxContext(ctx, qry, raw.Args...)
	if err != nil {
		return nil, wrapPostgresError(err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, wrapPostgresError(err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) Sequence(opts SequenceOptions) (Sequence, error) {
	return NewAdapterSequence(p, opts)
}

var _ Adapter = (*PostgresAdapter)(nil)

// wrapPostgresError translates driver errors into the package sentinels.
// Unique violations map to ErrKeyAlreadyExists, which the uuid sequence
// retry loop depends on; other integrity violations map to ErrConflict.
func wrapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, err)
	}

	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		switch {
		case pgerr.Code == pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, pgerr.Detail)
		case pgerrcode.IsIntegrityConstraintViolation(pgerr.Code):
			return fmt.Errorf("%w: %s", ErrConflict, pgerr.Message)
		}
		return err
	}

	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		switch {
		case string(pqerr.Code) == pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, pqerr.Detail)
		case pgerrcode.IsIntegrityConstraintViolation(string(pqerr.Code)):
			return fmt.Errorf("%w: %s", ErrConflict, pqerr.Message)
		}
	}
	return err
}

// sqlQuery is the SQL backends' native query object. Clauses accumulate
// SQL fragments; render assembles the final statement.
type sqlQuery struct {
	def   *ModelDef
	table string

	sel       Selector
	whereSQL  string
	whereArgs []any
	group     []string
	order     *OrderBySpec
	limit     int
	offset    int
	hasLimit  bool
	hasOffset bool
}

type sqlClauseFactory struct{}

type sqlClause struct {
	priority Priority
	apply    func(q *sqlQuery) error
}

func (c sqlClause) Priority() Priority { return c.priority }

func (c sqlClause) Build(prev Query) (Query, error) {
	q, _ := prev.(*sqlQuery)
	if q == nil {
		q = &sqlQuery{sel: Selector{Kind: SelectAll}}
	}
	if err := c.apply(q); err != nil {
		return nil, err
	}
	return q, nil
}

func (sqlClauseFactory) From(def *ModelDef) Clause {
	return sqlClause{PriorityFrom, func(q *sqlQuery) error {
		if def == nil {
			return fmt.Errorf("from clause requires a model definition")
		}
		q.def = def
		q.table = def.Table
		return nil
	}}
}

func (sqlClauseFactory) Select(sel Selector) Clause {
	return sqlClause{PrioritySelect, func(q *sqlQuery) error {
		q.sel = sel
		return nil
	}}
}

func (sqlClauseFactory) Where(cond *Condition) Clause {
	return sqlClause{PriorityWhere, func(q *sqlQuery) error {
		if errs := cond.HasErrors(); errs != nil {
			return fmt.Errorf("invalid condition: %v", errs)
		}
		sqlStr, args, err := condToSQL(cond, q.def)
		if err != nil {
			return err
		}
		q.whereSQL = sqlStr
		q.whereArgs = args
		return nil
	}}
}

func (sqlClauseFactory) OrderBy(spec OrderBySpec) Clause {
	return sqlClause{PriorityOrderBy, func(q *sqlQuery) error {
		if spec.Direction != SortAsc && spec.Direction != SortDsc {
			return fmt.Errorf("%w: %q", ErrInvalidOrderDirection, spec.Direction)
		}
		q.order = &spec
		return nil
	}}
}

func (sqlClauseFactory) GroupBy(fields []string) Clause {
	return sqlClause{PriorityGroupBy, func(q *sqlQuery) error {
		q.group = fields
		return nil
	}}
}

func (sqlClauseFactory) Limit(n int) Clause {
	return sqlClause{PriorityLimit, func(q *sqlQuery) error {
		q.limit, q.hasLimit = n, true
		return nil
	}}
}

func (sqlClauseFactory) Offset(n int) Clause {
	return sqlClause{PriorityOffset, func(q *sqlQuery) error {
		q.offset, q.hasOffset = n, true
		return nil
	}}
}

var _ ClauseFactory = sqlClauseFactory{}

func (q *sqlQuery) column(attr string) string {
	if q.def != nil {
		return q.def.ColumnFor(attr)
	}
	return attr
}

// fieldExpr extracts a record field as text.
func fieldExpr(col string) string {
	return fmt.Sprintf("(record ->> %s)", pq.QuoteLiteral(col))
}

// numExpr extracts a record field as numeric, for comparisons and
// aggregates against numeric values.
func numExpr(col string) string {
	return fmt.Sprintf("(record ->> %s)::numeric", pq.QuoteLiteral(col))
}

// render assembles the SELECT for a fully folded query.
func (q *sqlQuery) render(qualifiedTable string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT ")

	groupCols := Map(q.group, func(g string) string { return q.column(g) })

	switch q.sel.Kind {
	case SelectAll:
		b.WriteString("record")
	case SelectFields:
		parts := Map(q.sel.Fields, func(f string) string {
			col := q.column(f)
			return fmt.Sprintf("%s AS %s", fieldExpr(col), pq.QuoteIdentifier(col))
		})
		b.WriteString(strings.Join(parts, ", "))
	case SelectDistinct:
		parts := Map(q.sel.Fields, func(f string) string {
			col := q.column(f)
			return fmt.Sprintf("%s AS %s", fieldExpr(col), pq.QuoteIdentifier(col))
		})
		b.WriteString("DISTINCT ")
		b.WriteString(strings.Join(parts, ", "))
	case SelectCount:
		b.WriteString(`count(*) AS "count"`)
	case SelectMin, SelectMax, SelectSum, SelectAvg:
		if len(q.sel.Fields) == 0 {
			return "", nil, fmt.Errorf("%s aggregate requires a field", q.sel.Kind)
		}
		col := q.column(q.sel.Fields[0])
		fn := map[SelectorKind]string{
			SelectMin: "min", SelectMax: "max", SelectSum: "sum", SelectAvg: "avg",
		}[q.sel.Kind]
		fmt.Fprintf(&b, "%s(%s) AS %s", fn, numExpr(col), pq.QuoteIdentifier(string(q.sel.Kind)))
	default:
		return "", nil, fmt.Errorf("unsupported selector %s", q.sel.Kind)
	}

	if len(groupCols) > 0 && q.sel.IsAggregate() {
		for _, col := range groupCols {
			fmt.Fprintf(&b, ", %s AS %s", fieldExpr(col), pq.QuoteIdentifier(col))
		}
	}

	fmt.Fprintf(&b, " FROM %s", qualifiedTable)

	args := []any{}
	if q.whereSQL != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.whereSQL)
		args = append(args, q.whereArgs...)
	}

	if len(groupCols) > 0 {
		exprs := Map(groupCols, fieldExpr)
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(exprs, ", "))
	}

	if q.order != nil {
		dir := "ASC"
		if q.order.Direction == SortDsc {
			dir = "DESC"
		}
		exprs := Map(q.order.Fields, func(f string) string {
			return fieldExpr(q.column(f)) + " " + dir
		})
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(exprs, ", "))
	}

	if q.hasLimit {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.hasOffset {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}

	qry := b.String()
	if strings.Contains(qry, " IN (?)") {
		expanded, inArgs, err := sqlx.In(qry, args...)
		if err != nil {
			return "", nil, err
		}
		return expanded, inArgs, nil
	}
	return qry, args, nil
}

// reduce turns one scanned row into a Record. Full-record selects decode
// the JSONB column; projections and aggregates pass the row through.
func (q *sqlQuery) reduce(row map[string]any) (Record, error) {
	if q.sel.Kind == SelectAll {
		raw, ok := row["record"]
		if !ok {
			return nil, fmt.Errorf("row has no record column")
		}
		var data []byte
		switch v := raw.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		default:
			return nil, fmt.Errorf("unexpected record column type %T", raw)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		return rec, nil
	}

	rec := make(Record, len(row))
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			rec[k] = string(b)
		} else {
			rec[k] = v
		}
	}
	return rec, nil
}

// condToSQL compiles a condition tree into a parameterized WHERE fragment.
func condToSQL(c *Condition, def *ModelDef) (string, []any, error) {
	col := func(attr string) string {
		if def != nil {
			return def.ColumnFor(attr)
		}
		return attr
	}

	if !c.IsLeaf() {
		left, largs, err := condToSQL(c.Left(), def)
		if err != nil {
			return "", nil, err
		}
		if c.Operator() == OpNot {
			return fmt.Sprintf("NOT (%s)", left), largs, nil
		}
		right, rargs, err := condToSQL(c.Right(), def)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(%s %s %s)", left, c.Operator(), right),
			append(largs, rargs...), nil
	}

	expr := fieldExpr(col(c.Attr()))
	if _, numeric := toFloat(c.Value()); numeric {
		expr = numExpr(col(c.Attr()))
	}

	switch c.Operator() {
	case OpEq:
		return expr + " = ?", []any{c.Value()}, nil
	case OpDif:
		return expr + " <> ?", []any{c.Value()}, nil
	case OpGt:
		return expr + " > ?", []any{c.Value()}, nil
	case OpGte:
		return expr + " >= ?", []any{c.Value()}, nil
	case OpLt:
		return expr + " < ?", []any{c.Value()}, nil
	case OpLte:
		return expr + " <= ?", []any{c.Value()}, nil
	case OpIn:
		return expr + " IN (?)", []any{toSlice(c.Value())}, nil
	case OpRegexp:
		return expr + " ~ ?", []any{c.Value()}, nil
	}
	return "", nil, fmt.Errorf("unsupported comparison operator %s", c.Operator())
}
