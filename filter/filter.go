// Package filter implements the tag-based DNF filter algebra used for
// retrieval and cascade deletion (spec §3, §4.7).
package filter

import "github.com/kernelmemory/km/schema"

// Conjunction is a multimap from tag key to required values; a record
// matches iff, for every (k, v) pair, v is present in the record's
// Tags[k]. An empty conjunction matches every record.
type Conjunction map[string][]string

// Filter is a disjunction of Conjunctions (OR of ANDs — DNF). An empty
// Filter (no conjunctions) means "no filter": it matches everything.
type Filter struct {
	conjunctions []Conjunction
}

// New returns an unfiltered Filter — matches every record.
func New() Filter {
	return Filter{}
}

// ByTag returns a Filter with a single conjunction requiring key=value.
func ByTag(key, value string) Filter {
	return Filter{conjunctions: []Conjunction{{key: {value}}}}
}

// ByDocument is sugar for ByTag(schema.TagDocumentID, id).
func ByDocument(id string) Filter {
	return ByTag(schema.TagDocumentID, id)
}

// ByTag returns a copy of f with an additional key=value requirement
// ANDed onto every existing conjunction. If f is empty (matches
// everything), the result is the single conjunction {key: [value]}.
func (f Filter) ByTag(key, value string) Filter {
	if len(f.conjunctions) == 0 {
		return ByTag(key, value)
	}
	out := make([]Conjunction, len(f.conjunctions))
	for i, c := range f.conjunctions {
		nc := make(Conjunction, len(c)+1)
		for k, v := range c {
			nc[k] = append([]string{}, v...)
		}
		nc[key] = appendUnique(nc[key], value)
		out[i] = nc
	}
	return Filter{conjunctions: out}
}

// Or returns the union (OR) of f and g: a record matches the result iff
// it matches f or g. An unfiltered operand (IsEmpty) already matches
// every record, so unioning it with anything must still match every
// record (invariant 4, §8: filter ∪ {∅} is an unfiltered scan) — Or
// short-circuits to New() rather than literally concatenating an empty
// conjunction list, which would silently drop the operand instead of
// widening the match.
func Or(filters ...Filter) Filter {
	var out []Conjunction
	for _, f := range filters {
		if f.IsEmpty() {
			return New()
		}
		out = append(out, f.conjunctions...)
	}
	return Filter{conjunctions: out}
}

// IsEmpty reports whether the filter has no clauses and therefore
// matches everything (the "no filter" case, §3).
func (f Filter) IsEmpty() bool {
	return len(f.conjunctions) == 0
}

// Conjunctions exposes the underlying DNF clauses for record-store
// implementations that push filters down to a native query language.
func (f Filter) Conjunctions() []Conjunction {
	return f.conjunctions
}

// Match evaluates the filter against a record's tags. Evaluation is
// set-semantic; order of tags or clauses is irrelevant. Unknown tag keys
// never match (invariant 4, §8).
func (f Filter) Match(tags schema.TagCollection) bool {
	if f.IsEmpty() {
		return true
	}
	for _, c := range f.conjunctions {
		if conjunctionMatches(c, tags) {
			return true
		}
	}
	return false
}

func conjunctionMatches(c Conjunction, tags schema.TagCollection) bool {
	for key, required := range c {
		values, ok := tags[key]
		if !ok {
			return false
		}
		for _, want := range required {
			if !contains(values, want) {
				return false
			}
		}
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
