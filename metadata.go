package persist

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"
)

// IndexDef describes one declared index of a model. FileName is derived
// once from the column composition and cached with the definition.
type IndexDef struct {
	Name       string
	FileName   string
	Columns    []string
	Directions []SortDir
}

// ModelDef is the read-only metadata a model registers with the core:
// table name, primary-key property and the property-to-column mapping.
// The query and adapter layers consume models only through this surface.
type ModelDef struct {
	Table      string
	PrimaryKey string // struct field name
	Indexes    []IndexDef

	typ           reflect.Type
	columnsByProp map[string]string
	propsByColumn map[string]string
	fieldIndex    map[string]int
}

// ColumnFor resolves a struct property name to its column name. Unknown
// properties fall back to snake-cased names so ad-hoc attributes in
// conditions still address something sensible.
func (d *ModelDef) ColumnFor(prop string) string {
	if col, ok := d.columnsByProp[prop]; ok {
		return col
	}
	if col, ok := d.columnsByProp[strcase.ToCamel(prop)]; ok {
		return col
	}
	return ToDelimited(prop, '_')
}

// PrimaryKeyColumn returns the column name backing the primary key.
func (d *ModelDef) PrimaryKeyColumn() string {
	return d.columnsByProp[d.PrimaryKey]
}

// Columns returns all mapped column names.
func (d *ModelDef) Columns() []string {
	cols := make([]string, 0, len(d.columnsByProp))
	for _, col := range d.columnsByProp {
		cols = append(cols, col)
	}
	return cols
}

// Type returns the registered model struct type.
func (d *ModelDef) Type() reflect.Type {
	return d.typ
}

// ModelOption customizes a model registration.
type ModelOption func(*ModelDef)

// WithTable overrides the table name derived from the struct name.
func WithTable(name string) ModelOption {
	return func(d *ModelDef) { d.Table = name }
}

// WithPrimaryKey names the struct property acting as primary key.
func WithPrimaryKey(prop string) ModelOption {
	return func(d *ModelDef) { d.PrimaryKey = prop }
}

// WithIndex declares a named index over the given columns, ascending.
func WithIndex(name string, columns ...string) ModelOption {
	return func(d *ModelDef) {
		dirs := make([]SortDir, len(columns))
		for i := range dirs {
			dirs[i] = SortAsc
		}
		d.Indexes = append(d.Indexes, IndexDef{
			Name:       name,
			FileName:   indexFileName(name, columns),
			Columns:    columns,
			Directions: dirs,
		})
	}
}

func indexFileName(name string, columns []string) string {
	return fmt.Sprintf("%s.%s.idx.json", name, strings.Join(columns, "-"))
}

type metadataRegistry struct {
	mu   sync.RWMutex
	defs map[reflect.Type]*ModelDef
}

var models = &metadataRegistry{defs: make(map[reflect.Type]*ModelDef)}

// RegisterModel records metadata for model type T, mapping struct fields
// to columns via the `db` tag (snake-cased field name when untagged, "-"
// excluded). Registration is idempotent per type: re-registering replaces
// the previous definition.
func RegisterModel[T any](options ...ModelOption) (*ModelDef, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return nil, fmt.Errorf("cannot register interface type as model")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model must be a struct, got %s", t.Kind())
	}

	def := &ModelDef{
		Table:         ToDelimited(t.Name(), '_'),
		typ:           t,
		columnsByProp: make(map[string]string),
		propsByColumn: make(map[string]string),
		fieldIndex:    make(map[string]int),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		col := ""
		isKey := false
		if tag, ok := field.Tag.Lookup("db"); ok {
			parts := strings.Split(tag, ",")
			col = strings.TrimSpace(parts[0])
			for _, p := range parts[1:] {
				if strings.EqualFold(strings.TrimSpace(p), "key") {
					isKey = true
				}
			}
		}
		if col == "-" {
			continue
		}
		if col == "" {
			col = ToDelimited(field.Name, '_')
		}

		def.columnsByProp[field.Name] = col
		def.propsByColumn[col] = field.Name
		def.fieldIndex[field.Name] = i
		if isKey && def.PrimaryKey == "" {
			def.PrimaryKey = field.Name
		}
	}

	if def.PrimaryKey == "" {
		if _, ok := def.columnsByProp["ID"]; ok {
			def.PrimaryKey = "ID"
		}
	}

	for _, op := range options {
		op(def)
	}

	if def.PrimaryKey == "" {
		return nil, fmt.Errorf("model %s has no primary key property", t.Name())
	}
	if _, ok := def.columnsByProp[def.PrimaryKey]; !ok {
		return nil, fmt.Errorf("primary key property %s not found on %s", def.PrimaryKey, t.Name())
	}

	models.mu.Lock()
	models.defs[t] = def
	models.mu.Unlock()

	return def, nil
}

// ModelDefOf looks up the registered definition for a model value or type.
func ModelDefOf(model any) (*ModelDef, error) {
	t := reflect.TypeOf(model)
	if t == nil {
		return nil, ErrModelNotRegistered
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return modelDefFor(t)
}

func modelDefFor(t reflect.Type) (*ModelDef, error) {
	models.mu.RLock()
	def, ok := models.defs[t]
	models.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotRegistered, t.Name())
	}
	return def, nil
}

// ModelDefByTable finds a registered definition by table name.
func ModelDefByTable(table string) (*ModelDef, bool) {
	models.mu.RLock()
	defer models.mu.RUnlock()
	for _, def := range models.defs {
		if def.Table == table {
			return def, true
		}
	}
	return nil, false
}

// UnregisterModel removes a registration. Mostly useful in tests.
func UnregisterModel[T any]() {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	models.mu.Lock()
	delete(models.defs, t)
	models.mu.Unlock()
}
