package query

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// ErrValidation marks a search that is rejected before any peer is contacted
var ErrValidation = errors.New("search validation failed")

// parameters that steer the search instead of matching attributes
var reservedParams = map[string]bool{
	"offset":        true,
	"limit":         true,
	"includefield":  true,
	"fuzzymatching": true,
}

// AttributeQuery is the set of keys sent with a C-FIND. Keys with an empty
// value are return keys; a non-empty value is a matching filter and is never
// overwritten by a return key.
type AttributeQuery struct {
	values map[string]string
}

// NewAttributeQuery starts a query at level with its default return keys
func NewAttributeQuery(level Level) *AttributeQuery {
	q := &AttributeQuery{values: make(map[string]string)}
	q.Set(TagQueryRetrieveLevel, level.String())
	for _, key := range level.DefaultTags() {
		q.Set(key, "")
	}
	return q
}

// Set adds key with value. An empty value only registers a return key.
func (q *AttributeQuery) Set(key, value string) {
	if existing, ok := q.values[key]; ok && value == "" && existing != "" {
		return
	}
	q.values[key] = value
}

// Elements renders the query in ascending tag order
func (q *AttributeQuery) Elements() dimse.Query {
	keys := make([]string, 0, len(q.values))
	for k := range q.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(dimse.Query, 0, len(keys))
	for _, k := range keys {
		out = append(out, dimse.Element{Key: k, Value: q.values[k]})
	}
	return out
}

// Builder turns DICOMweb search parameters into a C-FIND identifier
type Builder struct {
	// MinChars is the shortest free-text filter accepted after stripping
	// wildcards.
	MinChars int
	// AppendWildcard adds a trailing * to free-text filters.
	AppendWildcard bool
}

// Build creates the identifier for a search at level. Unknown parameter names
// are ignored. A free-text filter shorter than MinChars fails with
// ErrValidation.
func (b Builder) Build(level Level, params url.Values) (dimse.Query, error) {
	if !level.Valid() {
		return nil, ErrInvalidLevel
	}
	q := NewAttributeQuery(level)

	for _, field := range params["includefield"] {
		for _, name := range strings.Split(field, ",") {
			if key, ok := Resolve(name); ok {
				q.Set(key, "")
			}
		}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		if !reservedParams[strings.ToLower(name)] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		key, ok := Resolve(name)
		if !ok || key == TagQueryRetrieveLevel {
			continue
		}
		value := params.Get(name)
		if IsFreeText(key) {
			normalized, err := b.freeText(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			value = normalized
		}
		q.Set(key, value)
	}

	return q.Elements(), nil
}

func (b Builder) freeText(value string) (string, error) {
	value = strings.Trim(value, "*")
	if utf8.RuneCountInString(value) < b.MinChars {
		return "", fmt.Errorf("%w: at least %d characters required", ErrValidation, b.MinChars)
	}
	if b.AppendWildcard {
		value += "*"
	}
	return value, nil
}
