// Package render turns envelopes into the JSON documents the sinks emit.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mysqlevp/internal/models"
)

// TimeLayout matches how the documents have always rendered timestamps,
// e.g. "2024-03-01 20:30:45+08:00".
const TimeLayout = "2006-01-02 15:04:05-07:00"

// Row is the document for one affected row.
type Row struct {
	EvID      string                 `json:"ev_id"`
	EvTime    string                 `json:"ev_time"`
	Schema    string                 `json:"schema"`
	Table     string                 `json:"table"`
	MsgKey    string                 `json:"msg_key,omitempty"`
	Action    string                 `json:"action"`
	OldValues map[string]interface{} `json:"old_values,omitempty"`
	NewValues map[string]interface{} `json:"new_values,omitempty"`
}

// Event is the document for a whole event, one entry per affected row.
type Event struct {
	EvID         string `json:"ev_id"`
	EvTime       string `json:"ev_time"`
	Schema       string `json:"schema"`
	Table        string `json:"table"`
	AffectedRows []Row  `json:"affected_rows"`
}

// Renderer localises times: the event time into evTZ and naive DATETIME and
// TIMESTAMP column values into dtColTZ.
type Renderer struct {
	evTZ    *time.Location
	dtColTZ *time.Location
}

// New creates a renderer. Both arguments are IANA zone names such as "UTC"
// or "Asia/Shanghai".
func New(evTZ, dtColTZ string) (*Renderer, error) {
	ev, err := time.LoadLocation(evTZ)
	if err != nil {
		return nil, fmt.Errorf("ev_tz: %w", err)
	}
	col, err := time.LoadLocation(dtColTZ)
	if err != nil {
		return nil, fmt.Errorf("dt_col_tz: %w", err)
	}
	return &Renderer{evTZ: ev, dtColTZ: col}, nil
}

// EventTime formats an event timestamp in the ev_tz zone.
func (r *Renderer) EventTime(ts int64) string {
	return time.Unix(ts, 0).In(r.evTZ).Format(TimeLayout)
}

// MsgKey identifies row idx of an event.
func MsgKey(evID string, idx int) string {
	return fmt.Sprintf("%s#%d", evID, idx)
}

// Row renders row idx of ev. msgKey is left out when empty.
func (r *Renderer) Row(ev *models.Envelope, idx int, msgKey string) Row {
	doc := Row{
		EvID:   ev.ID,
		EvTime: r.EventTime(ev.Timestamp),
		Schema: ev.Schema,
		Table:  ev.Table,
		MsgKey: msgKey,
	}

	change := ev.Rows[idx]
	doc.Action = string(change.Operation())
	switch c := change.(type) {
	case models.InsertRow:
		doc.NewValues = r.localize(c.NewValues)
	case models.UpdateRow:
		doc.OldValues = r.localize(c.OldValues)
		doc.NewValues = r.localize(c.NewValues)
	case models.DeleteRow:
		doc.OldValues = r.localize(c.OldValues)
	}
	return doc
}

// Rows renders every row of ev. With keyed set each document carries its
// MsgKey.
func (r *Renderer) Rows(ev *models.Envelope, keyed bool) []Row {
	docs := make([]Row, len(ev.Rows))
	for i := range ev.Rows {
		key := ""
		if keyed {
			key = MsgKey(ev.ID, i)
		}
		docs[i] = r.Row(ev, i, key)
	}
	return docs
}

// Event renders ev as one document listing all affected rows.
func (r *Renderer) Event(ev *models.Envelope) Event {
	return Event{
		EvID:         ev.ID,
		EvTime:       r.EventTime(ev.Timestamp),
		Schema:       ev.Schema,
		Table:        ev.Table,
		AffectedRows: r.Rows(ev, false),
	}
}

// localize copies values; envelopes are shared between sinks and must not be
// modified.
func (r *Renderer) localize(values models.Row) map[string]interface{} {
	if values == nil {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if t, ok := v.(time.Time); ok {
			v = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, r.dtColTZ).Format(TimeLayout)
		}
		out[k] = v
	}
	return out
}

// Topic expands {schema} and {table} in a topic or subject template.
func Topic(template, schema, table string) string {
	return strings.NewReplacer("{schema}", schema, "{table}", table).Replace(template)
}

// Marshal encodes v, indented by indent spaces when indent is positive.
func Marshal(v interface{}, indent int) ([]byte, error) {
	if indent > 0 {
		return json.MarshalIndent(v, "", strings.Repeat(" ", indent))
	}
	return json.Marshal(v)
}
