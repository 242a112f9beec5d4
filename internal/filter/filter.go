package filter

import (
	"sort"
	"strings"
)

// AllTables in a schema's table list admits every table of that schema.
const AllTables = "*"

// TableFilter decides which schema/table pairs are relevant. A schema that is
// not configured is excluded entirely. A TableFilter is immutable once built
// and safe for concurrent use.
type TableFilter struct {
	schemas map[string]tableSet
}

type tableSet struct {
	all    bool
	tables map[string]struct{}
}

// New builds a filter from a schema -> tables mapping.
func New(config map[string][]string) *TableFilter {
	f := &TableFilter{schemas: make(map[string]tableSet, len(config))}
	for schema, tables := range config {
		set := tableSet{tables: make(map[string]struct{}, len(tables))}
		for _, table := range tables {
			table = strings.TrimSpace(table)
			if table == AllTables {
				set.all = true
				continue
			}
			set.tables[table] = struct{}{}
		}
		f.schemas[schema] = set
	}
	return f
}

// IsAllowed reports whether changes to schema.table should be dispatched.
func (f *TableFilter) IsAllowed(schema, table string) bool {
	if f == nil {
		return false
	}
	set, ok := f.schemas[schema]
	if !ok {
		return false
	}
	if set.all {
		return true
	}
	_, ok = set.tables[table]
	return ok
}

// Empty reports whether the filter admits nothing at all.
func (f *TableFilter) Empty() bool {
	if f == nil {
		return true
	}
	for _, set := range f.schemas {
		if set.all || len(set.tables) > 0 {
			return false
		}
	}
	return true
}

// String lists the admitted pairs, e.g. "shop.orders, tr.*".
func (f *TableFilter) String() string {
	if f == nil {
		return ""
	}
	var out []string
	for schema, set := range f.schemas {
		if set.all {
			out = append(out, schema+"."+AllTables)
		}
		for table := range set.tables {
			out = append(out, schema+"."+table)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
