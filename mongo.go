package persist

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoFlavour is the registry name of the mongo backend.
const MongoFlavour = "mongo"

// MongoAdapter stores one document per record: {_id, id_kind, record}.
// Conditions compile to filter documents over record.<col> paths and
// aggregates run as aggregation pipelines.
type MongoAdapter struct {
	adapterBase

	db *mongo.Database
}

// MongoOption customizes a mongo adapter.
type MongoOption func(*MongoAdapter)

// WithMongoLogger sets the adapter logger.
func WithMongoLogger(log *zap.Logger) MongoOption {
	return func(m *MongoAdapter) {
		m.log = log
		m.observers = NewObserverHandler(log)
	}
}

// CreateMongoAdapter builds a mongo adapter over an open database handle.
func CreateMongoAdapter(db *mongo.Database, opts ...MongoOption) (*MongoAdapter, error) {
	if db == nil {
		return nil, fmt.Errorf("mongo adapter requires a database handle")
	}
	m := &MongoAdapter{
		adapterBase: newAdapterBase(MongoFlavour, nil),
		db:          db,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bindOps(m)
	return m, nil
}

// CreateMongoAdapterFromConfig connects per the loaded Config and builds
// the adapter on the configured database.
func CreateMongoAdapterFromConfig(ctx context.Context, cfg *Config, log *zap.Logger) (*MongoAdapter, error) {
	client, err := mongo.Connect(ctx, mongoOptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return CreateMongoAdapter(client.Database(cfg.Mongo.Database), WithMongoLogger(log))
}

func (m *MongoAdapter) Clauses() ClauseFactory {
	return mongoClauseFactory{}
}

func (m *MongoAdapter) collection(table string) *mongo.Collection {
	return m.db.Collection(table)
}

// mongoDoc is the stored document shape.
type mongoDoc struct {
	ID     string `bson:"_id"`
	Kind   string `bson:"id_kind"`
	Record Record `bson:"record"`
}

func (m *MongoAdapter) Create(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	doc := mongoDoc{ID: id.Value, Kind: string(id.Kind), Record: rec}
	if _, err := m.collection(table).InsertOne(ctx, doc); err != nil {
		return wrapMongoError(err)
	}
	return nil
}

func (m *MongoAdapter) Get(ctx context.Context, table string, id ID, opctx *Context) (Record, error) {
	var doc mongoDoc
	err := m.collection(table).FindOne(ctx, bson.D{{Key: "_id", Value: id.Value}}).Decode(&doc)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	return doc.Record, nil
}

func (m *MongoAdapter) Update(ctx context.Context, table string, id ID, rec Record, opctx *Context) error {
	res, err := m.collection(table).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id.Value}},
		mongoDoc{ID: id.Value, Kind: string(id.Kind), Record: rec})
	if err != nil {
		return wrapMongoError(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, id.Value)
	}
	return nil
}

func (m *MongoAdapter) Delete(ctx context.Context, table string, id ID, opctx *Context) error {
	res, err := m.collection(table).DeleteOne(ctx, bson.D{{Key: "_id", Value: id.Value}})
	if err != nil {
		return wrapMongoError(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, id.Value)
	}
	return nil
}

func (m *MongoAdapter) Read(ctx context.Context, table string, q Query, opctx *Context) ([]Record, error) {
	mq, ok := q.(*mongoQuery)
	if !ok {
		return nil, fmt.Errorf("mongo adapter expects *mongoQuery, got %T", q)
	}

	if mq.sel.IsAggregate() || len(mq.group) > 0 {
		return m.readPipeline(ctx, table, mq)
	}
	return m.readFind(ctx, table, mq)
}

func (m *MongoAdapter) readFind(ctx context.Context, table string, mq *mongoQuery) ([]Record, error) {
	opts := mongoOptions.Find()
	if mq.order != nil {
		dir := 1
		if mq.order.Direction == SortDsc {
			dir = -1
		}
		sortDoc := bson.D{}
		for _, f := range mq.order.Fields {
			sortDoc = append(sortDoc, bson.E{Key: "record." + mq.column(f), Value: dir})
		}
		opts.SetSort(sortDoc)
	}
	if mq.hasLimit {
		opts.SetLimit(int64(mq.limit))
	}
	if mq.hasOffset {
		opts.SetSkip(int64(mq.offset))
	}

	cur, err := m.collection(table).Find(ctx, mq.filter, opts)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	defer cur.Close(ctx)

	var out []Record
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapMongoError(err)
		}
		rec := doc.Record
		if mq.sel.Kind == SelectFields || mq.sel.Kind == SelectDistinct {
			p := make(Record, len(mq.sel.Fields))
			for _, f := range mq.sel.Fields {
				col := mq.column(f)
				if v, ok := rec[col]; ok {
					p[col] = v
				}
			}
			rec = p
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, wrapMongoError(err)
	}

	if mq.sel.Kind == SelectDistinct {
		out = distinctRecords(out)
	}
	return out, nil
}

// readPipeline runs aggregates (and grouped aggregates) as a $match →
// $group pipeline.
func (m *MongoAdapter) readPipeline(ctx context.Context, table string, mq *mongoQuery) ([]Record, error) {
	pipeline := mongo.Pipeline{}
	if len(mq.filter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: mq.filter}})
	}

	groupID := any(nil)
	if len(mq.group) > 0 {
		idDoc := bson.D{}
		for _, g := range mq.group {
			col := mq.column(g)
			idDoc = append(idDoc, bson.E{Key: col, Value: "$record." + col})
		}
		groupID = idDoc
	}

	groupStage := bson.D{{Key: "_id", Value: groupID}}
	switch mq.sel.Kind {
	case SelectCount:
		groupStage = append(groupStage, bson.E{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}})
	case SelectMin, SelectMax, SelectSum, SelectAvg:
		if len(mq.sel.Fields) == 0 {
			return nil, fmt.Errorf("%s aggregate requires a field", mq.sel.Kind)
		}
		op := map[SelectorKind]string{
			SelectMin: "$min", SelectMax: "$max", SelectSum: "$sum", SelectAvg: "$avg",
		}[mq.sel.Kind]
		field := "$record." + mq.column(mq.sel.Fields[0])
		groupStage = append(groupStage, bson.E{
			Key: string(mq.sel.Kind), Value: bson.D{{Key: op, Value: field}},
		})
	default:
		// Grouping without an aggregate yields the distinct group keys.
	}
	pipeline = append(pipeline, bson.D{{Key: "$group", Value: groupStage}})

	cur, err := m.collection(table).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	defer cur.Close(ctx)

	var out []Record
	for cur.Next(ctx) {
		var row bson.M
		if err := cur.Decode(&row); err != nil {
			return nil, wrapMongoError(err)
		}

		rec := make(Record)
		if id, ok := row["_id"].(bson.M); ok {
			for k, v := range id {
				rec[k] = v
			}
		} else if id, ok := row["_id"].(bson.D); ok {
			for _, e := range id {
				rec[e.Key] = e.Value
			}
		}
		for k, v := range row {
			if k != "_id" {
				rec[k] = v
			}
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

// MongoRaw is the native raw payload of the mongo backend: a pipeline run
// against a named collection.
type MongoRaw struct {
	Collection string
	Pipeline   mongo.Pipeline
}

func (m *MongoAdapter) Raw(ctx context.Context, q any, opctx *Context) (any, error) {
	raw, ok := q.(MongoRaw)
	if !ok {
		return nil, fmt.Errorf("mongo adapter cannot run raw query of type %T", q)
	}

	cur, err := m.collection(raw.Collection).Aggregate(ctx, raw.Pipeline)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	defer cur.Close(ctx)

	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrapMongoError(err)
	}
	return out, nil
}

func (m *MongoAdapter) Sequence(opts SequenceOptions) (Sequence, error) {
	return NewAdapterSequence(m, opts)
}

var _ Adapter = (*MongoAdapter)(nil)

// wrapMongoError translates driver errors into the package sentinels.
func wrapMongoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, err)
	}
	return err
}

func distinctRecords(rows []Record) []Record {
	seen := make(map[string]bool)
	var out []Record
	for _, rec := range rows {
		k := fmt.Sprint(rec)
		if !seen[k] {
			seen[k] = true
			out = append(out, rec)
		}
	}
	return out
}

// mongoQuery is the mongo backend's native query object.
type mongoQuery struct {
	def   *ModelDef
	table string

	sel       Selector
	filter    bson.M
	group     []string
	order     *OrderBySpec
	limit     int
	offset    int
	hasLimit  bool
	hasOffset bool
}

type mongoClauseFactory struct{}

type mongoClause struct {
	priority Priority
	apply    func(q *mongoQuery) error
}

func (c mongoClause) Priority() Priority { return c.priority }

func (c mongoClause) Build(prev Query) (Query, error) {
	q, _ := prev.(*mongoQuery)
	if q == nil {
		q = &mongoQuery{sel: Selector{Kind: SelectAll}, filter: bson.M{}}
	}
	if err := c.apply(q); err != nil {
		return nil, err
	}
	return q, nil
}

func (mongoClauseFactory) From(def *ModelDef) Clause {
	return mongoClause{PriorityFrom, func(q *mongoQuery) error {
		if def == nil {
			return fmt.Errorf("from clause requires a model definition")
		}
		q.def = def
		q.table = def.Table
		return nil
	}}
}

func (mongoClauseFactory) Select(sel Selector) Clause {
	return mongoClause{PrioritySelect, func(q *mongoQuery) error {
		q.sel = sel
		return nil
	}}
}

func (mongoClauseFactory) Where(cond *Condition) Clause {
	return mongoClause{PriorityWhere, func(q *mongoQuery) error {
		if errs := cond.HasErrors(); errs != nil {
			return fmt.Errorf("invalid condition: %v", errs)
		}
		filter, err := condToBson(cond, q.def)
		if err != nil {
			return err
		}
		q.filter = filter
		return nil
	}}
}

func (mongoClauseFactory) OrderBy(spec OrderBySpec) Clause {
	return mongoClause{PriorityOrderBy, func(q *mongoQuery) error {
		if spec.Direction != SortAsc && spec.Direction != SortDsc {
			return fmt.Errorf("%w: %q", ErrInvalidOrderDirection, spec.Direction)
		}
		q.order = &spec
		return nil
	}}
}

func (mongoClauseFactory) GroupBy(fields []string) Clause {
	return mongoClause{PriorityGroupBy, func(q *mongoQuery) error {
		q.group = fields
		return nil
	}}
}

func (mongoClauseFactory) Limit(n int) Clause {
	return mongoClause{PriorityLimit, func(q *mongoQuery) error {
		q.limit, q.hasLimit = n, true
		return nil
	}}
}

func (mongoClauseFactory) Offset(n int) Clause {
	return mongoClause{PriorityOffset, func(q *mongoQuery) error {
		q.offset, q.hasOffset = n, true
		return nil
	}}
}

var _ ClauseFactory = mongoClauseFactory{}

func (q *mongoQuery) column(attr string) string {
	if q.def != nil {
		return q.def.ColumnFor(attr)
	}
	return attr
}

// condToBson compiles a condition tree into a mongo filter document.
func condToBson(c *Condition, def *ModelDef) (bson.M, error) {
	col := func(attr string) string {
		if def != nil {
			return def.ColumnFor(attr)
		}
		return attr
	}

	if !c.IsLeaf() {
		left, err := condToBson(c.Left(), def)
		if err != nil {
			return nil, err
		}
		switch c.Operator() {
		case OpNot:
			return bson.M{"$nor": bson.A{left}}, nil
		case OpAnd, OpOr:
			right, err := condToBson(c.Right(), def)
			if err != nil {
				return nil, err
			}
			op := "$and"
			if c.Operator() == OpOr {
				op = "$or"
			}
			return bson.M{op: bson.A{left, right}}, nil
		}
		return nil, fmt.Errorf("unsupported group operator %s", c.Operator())
	}

	path := "record." + col(c.Attr())
	switch c.Operator() {
	case OpEq:
		return bson.M{path: c.Value()}, nil
	case OpDif:
		return bson.M{path: bson.M{"$ne": c.Value()}}, nil
	case OpGt:
		return bson.M{path: bson.M{"$gt": c.Value()}}, nil
	case OpGte:
		return bson.M{path: bson.M{"$gte": c.Value()}}, nil
	case OpLt:
		return bson.M{path: bson.M{"$lt": c.Value()}}, nil
	case OpLte:
		return bson.M{path: bson.M{"$lte": c.Value()}}, nil
	case OpIn:
		return bson.M{path: bson.M{"$in": toSlice(c.Value())}}, nil
	case OpRegexp:
		pattern, ok := c.Value().(string)
		if !ok {
			return nil, fmt.Errorf("regexp condition on %s requires a string pattern", c.Attr())
		}
		return bson.M{path: bson.M{"$regex": pattern}}, nil
	}
	return nil, fmt.Errorf("unsupported comparison operator %s", c.Operator())
}
