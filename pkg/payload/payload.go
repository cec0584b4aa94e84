// Package payload implements the typed secondary index over per-vector
// metadata: keyword equality, ordered int/float ranges, an inverted text
// index with BM25-lite scoring, and a geohash-style grid for geo radius and
// bounding-box queries. A small filter-expression AST composes these into
// boolean queries that HNSW search narrows its beam against.
package payload

import (
	"fmt"
	"math"
	"sync"
)

// FieldType names the typed sub-index a payload field is routed to.
type FieldType int

const (
	Keyword FieldType = iota
	Int
	Float
	Text
	Geo
)

// IDSet is a set of vector ids, the unit Resolve produces and consumes.
type IDSet map[string]struct{}

func newIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func intersect(a, b IDSet) IDSet {
	out := make(IDSet)
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for id := range small {
		if _, ok := big[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func union(a, b IDSet) IDSet {
	out := a.clone()
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}

func subtract(universe, remove IDSet) IDSet {
	out := make(IDSet)
	for id := range universe {
		if _, ok := remove[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// GeoPoint is a latitude/longitude pair, matching the shape stored under a
// Geo field.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// FieldSchema declares a payload field's type up front; fields are
// registered at collection creation and are immutable afterward.
type FieldSchema struct {
	Name string
	Type FieldType
}

// Index is the per-collection payload secondary index. Each field lives in
// exactly one typed sub-index, each guarded by its own lock, so a write to
// one field never blocks a concurrent read of another. schema and the
// per-type maps are fixed at New() and never mutated afterward, so they
// need no lock of their own. idsMu guards only the cross-field "every id
// ever upserted" bookkeeping set.
type Index struct {
	schema  map[string]FieldType
	keyword map[string]*keywordIndex
	numeric map[string]*numericIndex
	text    map[string]*textIndex
	geo     map[string]*geoIndex

	idsMu sync.RWMutex
	ids   IDSet // every id ever upserted, live or with no fields set
}

// New creates an empty payload index over the given field schema.
func New(fields []FieldSchema) *Index {
	idx := &Index{
		schema:  make(map[string]FieldType, len(fields)),
		keyword: make(map[string]*keywordIndex),
		numeric: make(map[string]*numericIndex),
		text:    make(map[string]*textIndex),
		geo:     make(map[string]*geoIndex),
		ids:     make(IDSet),
	}
	for _, f := range fields {
		idx.schema[f.Name] = f.Type
		switch f.Type {
		case Keyword:
			idx.keyword[f.Name] = newKeywordIndex()
		case Int, Float:
			idx.numeric[f.Name] = newNumericIndex()
		case Text:
			idx.text[f.Name] = newTextIndex()
		case Geo:
			idx.geo[f.Name] = newGeoIndex()
		}
	}
	return idx
}

// Upsert indexes (or reindexes) id's payload. Unknown fields are ignored;
// a field present in the schema but absent from payload is simply unset.
func (idx *Index) Upsert(id string, fields map[string]any) error {
	idx.removeFromFields(id)

	idx.idsMu.Lock()
	idx.ids[id] = struct{}{}
	idx.idsMu.Unlock()

	for name, val := range fields {
		ft, ok := idx.schema[name]
		if !ok {
			continue
		}
		switch ft {
		case Keyword:
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("payload: field %q expects string, got %T", name, val)
			}
			idx.keyword[name].add(s, id)
		case Int:
			f, ok := toFloat64(val)
			if !ok {
				return fmt.Errorf("payload: field %q expects numeric, got %T", name, val)
			}
			idx.numeric[name].add(math.Trunc(f), id)
		case Float:
			f, ok := toFloat64(val)
			if !ok {
				return fmt.Errorf("payload: field %q expects numeric, got %T", name, val)
			}
			if math.IsNaN(f) {
				return fmt.Errorf("payload: field %q rejects NaN", name)
			}
			idx.numeric[name].add(f, id)
		case Text:
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("payload: field %q expects string, got %T", name, val)
			}
			idx.text[name].add(id, s)
		case Geo:
			p, ok := val.(GeoPoint)
			if !ok {
				return fmt.Errorf("payload: field %q expects GeoPoint, got %T", name, val)
			}
			idx.geo[name].add(id, p)
		}
	}
	return nil
}

// Delete removes id from every sub-index.
func (idx *Index) Delete(id string) {
	idx.removeFromFields(id)

	idx.idsMu.Lock()
	delete(idx.ids, id)
	idx.idsMu.Unlock()
}

// removeFromFields removes id from every typed sub-index. Each sub-index
// takes its own lock, so this touches at most one field at a time rather
// than holding a single index-wide guard.
func (idx *Index) removeFromFields(id string) {
	for _, k := range idx.keyword {
		k.remove(id)
	}
	for _, n := range idx.numeric {
		n.remove(id)
	}
	for _, t := range idx.text {
		t.remove(id)
	}
	for _, g := range idx.geo {
		g.remove(id)
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// Resolve evaluates a FilterExpr into the set of matching ids.
func (idx *Index) Resolve(expr Expr) (IDSet, error) {
	return idx.eval(expr)
}

// idsSnapshot returns a point-in-time copy of the set of every id ever
// upserted, live or with no fields set.
func (idx *Index) idsSnapshot() IDSet {
	idx.idsMu.RLock()
	defer idx.idsMu.RUnlock()
	return idx.ids.clone()
}

func (idx *Index) eval(expr Expr) (IDSet, error) {
	switch e := expr.(type) {
	case nil:
		return idx.idsSnapshot(), nil
	case And:
		if len(e) == 0 {
			return idx.idsSnapshot(), nil
		}
		acc, err := idx.eval(e[0])
		if err != nil {
			return nil, err
		}
		for _, sub := range e[1:] {
			next, err := idx.eval(sub)
			if err != nil {
				return nil, err
			}
			acc = intersect(acc, next)
		}
		return acc, nil
	case Or:
		acc := make(IDSet)
		for _, sub := range e {
			next, err := idx.eval(sub)
			if err != nil {
				return nil, err
			}
			acc = union(acc, next)
		}
		return acc, nil
	case Not:
		inner, err := idx.eval(e.Expr)
		if err != nil {
			return nil, err
		}
		return subtract(idx.idsSnapshot(), inner), nil
	case Eq:
		ki, ok := idx.keyword[e.Field]
		if !ok {
			return nil, fmt.Errorf("payload: field %q is not a keyword field", e.Field)
		}
		return newIDSet(ki.lookup(e.Value)...), nil
	case Range:
		ni, ok := idx.numeric[e.Field]
		if !ok {
			return nil, fmt.Errorf("payload: field %q is not a numeric field", e.Field)
		}
		return newIDSet(ni.rangeQuery(e.Min, e.Max)...), nil
	case TextMatch:
		ti, ok := idx.text[e.Field]
		if !ok {
			return nil, fmt.Errorf("payload: field %q is not a text field", e.Field)
		}
		return newIDSet(ti.ids(e.Query)...), nil
	case GeoRadius:
		gi, ok := idx.geo[e.Field]
		if !ok {
			return nil, fmt.Errorf("payload: field %q is not a geo field", e.Field)
		}
		return newIDSet(gi.radius(e.Center, e.RadiusKM)...), nil
	case GeoBBox:
		gi, ok := idx.geo[e.Field]
		if !ok {
			return nil, fmt.Errorf("payload: field %q is not a geo field", e.Field)
		}
		return newIDSet(gi.bbox(e.Lat0, e.Lat1, e.Lon0, e.Lon1)...), nil
	default:
		return nil, fmt.Errorf("payload: unsupported expression %T", expr)
	}
}

// Scored ranks ids within a TextMatch leaf by BM25-lite score, for callers
// (hybrid rerank) that want the score rather than just set membership.
func (idx *Index) Scored(field, query string, topN int) ([]TextHit, error) {
	ti, ok := idx.text[field]
	if !ok {
		return nil, fmt.Errorf("payload: field %q is not a text field", field)
	}
	return ti.topN(query, topN), nil
}
