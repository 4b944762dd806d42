// Package key defines subscription keys and their composite string form.
//
// A key addresses one data point: a tag (a single named value of a
// record), a field of a business record, or a computed reference value.
// Its composite form "table|record|field" is the address used by the
// store. Reference keys carry the "ref:" prefix so they never collide with
// record fields.
package key

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Separator joins the parts of a composite key.
const Separator = "|"

// PathSeparator splits a record field into nested path segments.
const PathSeparator = "."

// ReferencePrefix marks the composite form of reference keys.
const ReferencePrefix = "ref:"

// Stream channels.
const (
	ChannelTag       = "data"
	ChannelRecord    = "tabledata"
	ChannelReference = "computerecord"
	ChannelTime      = "time"
)

// ErrInvalidKey is returned for malformed keys.
var ErrInvalidKey = errors.New("invalid key")

// Kind distinguishes the two families of data carried by the stream.
type Kind uint8

const (
	// KindTag addresses a single named data point.
	KindTag Kind = iota

	// KindRecord addresses a field of a business record.
	KindRecord

	// KindReference addresses a value computed by the server for a record
	// field. References are pushed for the whole project; they are read,
	// not declared.
	KindReference
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTag:
		return "tag"
	case KindRecord:
		return "record"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Channel returns the stream channel carrying this kind.
func (k Kind) Channel() string {
	switch k {
	case KindRecord:
		return ChannelRecord
	case KindReference:
		return ChannelReference
	default:
		return ChannelTag
	}
}

// Declarable reports whether keys of this kind are subscribed per key.
func (k Kind) Declarable() bool {
	return k == KindTag || k == KindRecord
}

// KindForChannel maps a stream channel name back to a kind.
func KindForChannel(channel string) (Kind, bool) {
	switch channel {
	case ChannelTag:
		return KindTag, true
	case ChannelRecord:
		return KindRecord, true
	case ChannelReference:
		return KindReference, true
	default:
		return 0, false
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "tag":
		return KindTag, nil
	case "record":
		return KindRecord, nil
	case "reference", "ref":
		return KindReference, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, s)
	}
}

// Key identifies one subscribable data point.
type Key struct {
	Kind   Kind
	Table  string
	Record string
	Field  string
}

// Tag returns a tag key.
func Tag(table, record, tag string) Key {
	return Key{Kind: KindTag, Table: table, Record: record, Field: tag}
}

// Field returns a record field key. An empty field addresses the whole record.
func Field(table, record, field string) Key {
	return Key{Kind: KindRecord, Table: table, Record: record, Field: field}
}

// Reference returns a computed reference key.
func Reference(table, record, field string) Key {
	return Key{Kind: KindReference, Table: table, Record: record, Field: field}
}

// String returns the composite store key.
func (k Key) String() string {
	s := k.Table + Separator + k.Record + Separator + k.Field
	if k.Kind == KindReference {
		return ReferencePrefix + s
	}
	return s
}

// Nested reports whether a record key addresses a value inside a
// top-level field, such as "_settings.alarm.limit".
func (k Key) Nested() bool {
	return k.Kind == KindRecord && strings.Contains(k.Field, PathSeparator)
}

// TopField returns the top-level field a record key reads from.
func (k Key) TopField() string {
	if !k.Nested() {
		return k.Field
	}
	top, _, _ := strings.Cut(k.Field, PathSeparator)
	return top
}

// Path returns the field's path segments.
func (k Key) Path() []string {
	if !k.Nested() {
		return []string{k.Field}
	}
	return strings.Split(k.Field, PathSeparator)
}

// Family returns the "table|record" prefix shared by all keys of a record.
func (k Key) Family() string {
	return k.Table + Separator + k.Record
}

// Validate checks the key is addressable.
func (k Key) Validate() error {
	if k.Table == "" || k.Record == "" {
		return fmt.Errorf("%w: table and record are required: %q", ErrInvalidKey, k.String())
	}
	if k.Kind != KindRecord && k.Field == "" {
		return fmt.Errorf("%w: %s key needs a field name: %q", ErrInvalidKey, k.Kind, k.String())
	}
	if k.Nested() {
		for _, seg := range k.Path() {
			if seg == "" {
				return fmt.Errorf("%w: empty path segment in %q", ErrInvalidKey, k.Field)
			}
		}
	}
	for _, part := range []string{k.Table, k.Record, k.Field} {
		if strings.Contains(part, Separator) {
			return fmt.Errorf("%w: part %q contains %q", ErrInvalidKey, part, Separator)
		}
	}
	return nil
}

// Parse decodes "table|record[|field]" into a key of the given kind.
func Parse(kind Kind, s string) (Key, error) {
	parts := strings.Split(s, Separator)
	if len(parts) < 2 || len(parts) > 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := Key{Kind: kind, Table: parts[0], Record: parts[1]}
	if len(parts) == 3 {
		k.Field = parts[2]
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Family joins table and record into a family prefix.
func Family(table, record string) string {
	return table + Separator + record
}

// Set is an unordered collection of keys.
type Set map[Key]struct{}

// NewSet builds a set from keys.
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts k and reports whether it was absent.
func (s Set) Add(k Key) bool {
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = struct{}{}
	return true
}

// Has reports whether k is in the set.
func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Union returns a new set holding the keys of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Sorted returns the keys ordered by kind then composite string.
func (s Set) Sorted() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// SortKeys orders keys by kind then composite string.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].String() < keys[j].String()
	})
}
