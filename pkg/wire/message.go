package wire

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/livetag/livetag-go/pkg/key"
)

// CommandQuery is the type of the subscribe command.
const CommandQuery = "query"

// Outbound is a control message sent to the server.
type Outbound interface {
	CommandType() string
}

// SubscribeEntry is one element of a subscribe command's interest list.
type SubscribeEntry struct {
	TableID string   `json:"tableId"`
	ID      string   `json:"id"`
	TagID   string   `json:"tagId,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

// SubscribeCommand replaces the server-side interest list of a channel.
type SubscribeCommand struct {
	Type    string           `json:"type"`
	Channel string           `json:"channel"`
	Data    []SubscribeEntry `json:"data"`
}

// CommandType implements Outbound.
func (c SubscribeCommand) CommandType() string { return c.Type }

// ChannelQuery opens a channel that takes no key list, such as the server
// clock or the computed reference stream.
type ChannelQuery struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// CommandType implements Outbound.
func (q ChannelQuery) CommandType() string { return q.Type }

// TimeQuery opens the server clock channel.
func TimeQuery() ChannelQuery {
	return ChannelQuery{Type: CommandQuery, Channel: key.ChannelTime, Data: []any{}}
}

// ReferenceQuery opens the computed reference channel of a project.
func ReferenceQuery(projectID string) ChannelQuery {
	return ChannelQuery{
		Type:    CommandQuery,
		Channel: key.ChannelReference,
		Data:    map[string]any{"projectId": projectID},
	}
}

// Subscribe builds the full-replacement command for a channel from its
// interest set. Tag keys become one entry each; record keys are grouped
// per record with their top-level fields listed, and a whole-record key
// lists none so every field is sent. Entries are sorted.
func Subscribe(kind key.Kind, keys []key.Key) SubscribeCommand {
	cmd := SubscribeCommand{
		Type:    CommandQuery,
		Channel: kind.Channel(),
		Data:    []SubscribeEntry{},
	}

	sorted := make([]key.Key, 0, len(keys))
	for _, k := range keys {
		if k.Kind == kind {
			sorted = append(sorted, k)
		}
	}
	key.SortKeys(sorted)

	if kind == key.KindTag {
		for _, k := range sorted {
			cmd.Data = append(cmd.Data, SubscribeEntry{TableID: k.Table, ID: k.Record, TagID: k.Field})
		}
		return cmd
	}

	index := make(map[string]int)
	fields := make(map[string]map[string]struct{})
	whole := make(map[string]bool)
	for _, k := range sorted {
		fam := k.Family()
		if _, ok := index[fam]; !ok {
			index[fam] = len(cmd.Data)
			fields[fam] = make(map[string]struct{})
			cmd.Data = append(cmd.Data, SubscribeEntry{TableID: k.Table, ID: k.Record})
		}
		if k.Field == "" {
			whole[fam] = true
			continue
		}
		fields[fam][k.TopField()] = struct{}{}
	}
	for fam, i := range index {
		if whole[fam] {
			continue
		}
		for f := range fields[fam] {
			cmd.Data[i].Fields = append(cmd.Data[i].Fields, f)
		}
		sort.Strings(cmd.Data[i].Fields)
	}
	return cmd
}

// Inbound is a decoded server frame.
type Inbound struct {
	Channel   string     `json:"channel,omitempty"`
	Message   string     `json:"message,omitempty"`
	Data      *Delta     `json:"data,omitempty"`
	Reference *Reference `json:"-"`
	Time      *Timestamp `json:"time,omitempty"`
}

// IsClock reports whether the frame is a server clock message.
func (m Inbound) IsClock() bool {
	return m.Time != nil && m.Data == nil && m.Reference == nil
}

// ComputingValue stands in for a reference whose value the server has not
// produced yet.
const ComputingValue = "computing"

// Reference is a value the server computed for one record field.
type Reference struct {
	TableID     string
	TableDataID string
	Field       string
	Value       any
}

// Key returns the reference key the value is stored under.
func (r *Reference) Key() key.Key {
	return key.Reference(r.TableID, r.TableDataID, r.Field)
}

// StoredValue returns the value to store, ComputingValue while it is
// still pending.
func (r *Reference) StoredValue() any {
	switch v := r.Value.(type) {
	case nil:
		return ComputingValue
	case string:
		if v == "" {
			return ComputingValue
		}
	}
	return r.Value
}

func (r *Reference) fromMap(m map[string]any) error {
	r.TableID = stringOf(m["tableId"])
	r.TableDataID = stringOf(m["tableDataId"])
	r.Field = stringOf(m["field"])
	r.Value = normalize(m["value"])
	if r.TableID == "" || r.TableDataID == "" || r.Field == "" {
		return fmt.Errorf("%w: reference without table, record or field", ErrMalformed)
	}
	return nil
}

// Lookup follows a field path into a decoded value. Segments index maps
// by name and lists by position.
func Lookup(v any, path []string) (any, bool) {
	for _, seg := range path {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			v = node[i]
		default:
			return nil, false
		}
	}
	return v, true
}

// Kind returns the key kind of the frame's channel. Frames without a
// channel are treated as tag data.
func (m Inbound) Kind() (key.Kind, bool) {
	if m.Channel == "" {
		return key.KindTag, true
	}
	return key.KindForChannel(m.Channel)
}

// Delta is a batch of field updates for one record.
type Delta struct {
	TableID     string
	TableDataID string
	ID          string
	Fields      map[string]any
	Time        Timestamp
}

// RecordID returns the record identifier, preferring tableDataId.
func (d *Delta) RecordID() string {
	if d.TableDataID != "" {
		return d.TableDataID
	}
	return d.ID
}

// Keys expands the delta into one key per field.
func (d *Delta) Keys(kind key.Kind) []key.Key {
	out := make([]key.Key, 0, len(d.Fields))
	for f := range d.Fields {
		out = append(out, key.Key{Kind: kind, Table: d.TableID, Record: d.RecordID(), Field: f})
	}
	key.SortKeys(out)
	return out
}

// Validate checks the delta addresses a record.
func (d *Delta) Validate() error {
	if d.TableID == "" || d.RecordID() == "" {
		return fmt.Errorf("%w: delta without table or record id", ErrMalformed)
	}
	return nil
}

var deltaKeys = map[string]struct{}{
	"tableId":     {},
	"tableDataId": {},
	"id":          {},
	"fields":      {},
	"time":        {},
}

// fromMap fills d from a generic decoded object. When there is no
// "fields" object the remaining top-level properties are the fields.
func (d *Delta) fromMap(m map[string]any) error {
	d.TableID = stringOf(m["tableId"])
	d.TableDataID = stringOf(m["tableDataId"])
	d.ID = stringOf(m["id"])

	if raw, ok := m["time"]; ok && raw != nil {
		t, err := parseTime(raw)
		if err != nil {
			return err
		}
		d.Time = Timestamp{Time: t}
	}

	if raw, ok := m["fields"]; ok {
		fields, ok := toStringMap(raw)
		if !ok {
			return fmt.Errorf("%w: fields is %T", ErrMalformed, raw)
		}
		d.Fields = fields
		return nil
	}

	d.Fields = make(map[string]any)
	for k, v := range m {
		if _, known := deltaKeys[k]; known {
			continue
		}
		d.Fields[k] = normalize(v)
	}
	return nil
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(normalize(s))
	}
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = normalize(val)
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out, true
	default:
		return nil, false
	}
}
