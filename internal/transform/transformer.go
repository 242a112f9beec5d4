// Package transform rewrites or drops envelopes before they reach the sinks,
// either with YAML field rules or with a JavaScript function.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mysqlevp/internal/classifier"
	"mysqlevp/internal/config"
	"mysqlevp/internal/models"
	"mysqlevp/internal/stream"
)

// ErrEventRejected is returned when a JavaScript transform function rejects an event
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer transforms envelopes based on configuration rules
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	program  *goja.Program // compiled script, nil without one
	natsConn *nats.Conn    // NATS connection for JavaScript bindings
}

// RuleMatcher matches and applies transformation rules
type RuleMatcher struct {
	database  string
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// jsEvent is the object the script receives and returns.
type jsEvent struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Schema    string  `json:"schema"`
	Table     string  `json:"table"`
	Type      string  `json:"type"`
	Rows      []jsRow `json:"rows"`
}

type jsRow struct {
	OldValues map[string]interface{} `json:"old_values,omitempty"`
	NewValues map[string]interface{} `json:"new_values,omitempty"`
}

// New creates a transformer. natsConn may be nil; when set, scripts can
// publish to NATS and use its key-value buckets.
func New(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	transformer := &Transformer{
		config:   cfg,
		logger:   logger,
		rules:    []*RuleMatcher{},
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}

		program, err := goja.Compile(cfg.Script, string(scriptContent), false)
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		if _, err := resolveFunction(goja.New(), program); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}

		transformer.program = program
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			database:  rule.Database,
			table:     rule.Table,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, field := range rule.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

// Enabled reports whether Transform can change anything.
func (t *Transformer) Enabled() bool {
	return t.config != nil && t.config.Enabled && (t.program != nil || len(t.rules) > 0)
}

// resolveFunction runs the script and finds the transform function: either
// the value the script evaluates to, or a global named transform.
func resolveFunction(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform applies the script, or else the first matching rule, to ev. It
// returns ErrEventRejected when the script drops the event. ev itself is
// never modified.
func (t *Transformer) Transform(ev *models.Envelope) (*models.Envelope, error) {
	if t.config == nil || !t.config.Enabled {
		return ev, nil
	}

	// The script takes precedence over YAML rules.
	if t.program != nil {
		return t.transformWithJavaScript(ev)
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(ev), nil
	}
	return ev, nil
}

func toJSEvent(ev *models.Envelope) jsEvent {
	out := jsEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Schema:    ev.Schema,
		Table:     ev.Table,
		Type:      string(ev.Kind),
		Rows:      make([]jsRow, 0, len(ev.Rows)),
	}
	for _, row := range ev.Rows {
		switch r := row.(type) {
		case models.InsertRow:
			out.Rows = append(out.Rows, jsRow{NewValues: r.NewValues})
		case models.UpdateRow:
			out.Rows = append(out.Rows, jsRow{OldValues: r.OldValues, NewValues: r.NewValues})
		case models.DeleteRow:
			out.Rows = append(out.Rows, jsRow{OldValues: r.OldValues})
		}
	}
	return out
}

// transformWithJavaScript transforms an event using JavaScript script
func (t *Transformer) transformWithJavaScript(ev *models.Envelope) (*models.Envelope, error) {
	eventJSON, err := json.Marshal(toJSEvent(ev))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	t.logger.Debugf("Transforming event with JavaScript: %s.%s (type: %s)", ev.Schema, ev.Table, ev.Kind)

	// goja.Runtime is not safe for concurrent use; every event gets its own.
	vm := goja.New()

	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	callable, err := resolveFunction(vm, t.program)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("eventJSON", string(eventJSON)); err != nil {
		return nil, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), eventObj)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	// null or undefined drops the event
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Infof("Event rejected by JavaScript transformer: %s.%s (type: %s)", ev.Schema, ev.Table, ev.Kind)
		return nil, ErrEventRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	t.logger.Debugf("JavaScript transformation result: %s", string(resultJSON))

	var out jsEvent
	if err := decodeJSON(resultJSON, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return fromJSEvent(ev, out)
}

// fromJSEvent builds the transformed envelope. The id, position and kind
// cannot be changed by a script; the id is what lets consumers drop
// duplicates.
func fromJSEvent(orig *models.Envelope, out jsEvent) (*models.Envelope, error) {
	if out.Type != "" && models.Operation(out.Type) != orig.Kind {
		return nil, fmt.Errorf("transform changed event type from %s to %s", orig.Kind, out.Type)
	}

	transformed := &models.Envelope{
		ID:        orig.ID,
		Timestamp: orig.Timestamp,
		Schema:    orig.Schema,
		Table:     orig.Table,
		Kind:      orig.Kind,
		Position:  orig.Position,
		Rows:      make([]models.RowChange, 0, len(out.Rows)),
	}
	if out.Schema != "" {
		transformed.Schema = out.Schema
	}
	if out.Table != "" {
		transformed.Table = out.Table
	}
	if out.Timestamp != 0 {
		transformed.Timestamp = out.Timestamp
	}

	for i, row := range out.Rows {
		var origOld, origNew models.Row
		if i < len(orig.Rows) {
			origOld, origNew = images(orig.Rows[i])
		}

		record := stream.Record{}
		if row.OldValues != nil {
			record.Before = restoreTypes(row.OldValues, origOld)
		}
		if row.NewValues != nil {
			record.After = restoreTypes(row.NewValues, origNew)
		}
		change, err := classifier.ClassifyRow(orig.Kind, record)
		if err != nil {
			return nil, fmt.Errorf("transformed row %d: %w", i, err)
		}
		transformed.Rows = append(transformed.Rows, change)
	}

	if len(transformed.Rows) == 0 {
		return nil, ErrEventRejected
	}
	return transformed, nil
}

func images(row models.RowChange) (before, after models.Row) {
	switch r := row.(type) {
	case models.InsertRow:
		return nil, r.NewValues
	case models.UpdateRow:
		return r.OldValues, r.NewValues
	case models.DeleteRow:
		return r.OldValues, nil
	}
	return nil, nil
}

// restoreTypes builds a row from script output. Values the script left as
// they were get their original Go value back, so times stay time.Time and
// integers keep full precision. Everything else is taken as the script
// produced it.
func restoreTypes(values map[string]interface{}, orig models.Row) models.Row {
	row := make(models.Row, len(values))
	for key, value := range values {
		value = normalizeNumbers(value)
		if origValue, ok := orig[key]; ok && reflect.DeepEqual(value, scriptForm(origValue)) {
			value = origValue
		}
		row[key] = value
	}
	return row
}

// scriptForm is v as a script sees it and hands it back.
func scriptForm(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := decodeJSON(data, &out); err != nil {
		return nil
	}
	return normalizeNumbers(out)
}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// normalizeNumbers turns decoded JSON numbers into what a script can hold:
// a double, kept as int64 when it is integral.
func normalizeNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
			return int64(f)
		}
		return f
	case map[string]interface{}:
		for k, val := range x {
			x[k] = normalizeNumbers(val)
		}
		return x
	case []interface{}:
		for i, val := range x {
			x[i] = normalizeNumbers(val)
		}
		return x
	}
	return v
}

// transformWithRules transforms an event using YAML-based rules
func (t *Transformer) transformWithRules(ev *models.Envelope) *models.Envelope {
	var matchedRule *RuleMatcher
	for _, rule := range t.rules {
		if rule.matches(ev.Schema, ev.Table) {
			matchedRule = rule
			break
		}
	}
	if matchedRule == nil {
		return ev
	}

	transformed := *ev
	transformed.Rows = make([]models.RowChange, 0, len(ev.Rows))
	for _, row := range ev.Rows {
		switch r := row.(type) {
		case models.InsertRow:
			transformed.Rows = append(transformed.Rows, models.InsertRow{NewValues: matchedRule.apply(r.NewValues)})
		case models.UpdateRow:
			transformed.Rows = append(transformed.Rows, models.UpdateRow{
				OldValues: matchedRule.apply(r.OldValues),
				NewValues: matchedRule.apply(r.NewValues),
			})
		case models.DeleteRow:
			transformed.Rows = append(transformed.Rows, models.DeleteRow{OldValues: matchedRule.apply(r.OldValues)})
		}
	}
	return &transformed
}

// apply returns a transformed copy of row.
func (r *RuleMatcher) apply(row models.Row) models.Row {
	if row == nil {
		return nil
	}

	transformed := make(models.Row, len(row)+len(r.addFields))

	// Static fields first, so real columns win on a name clash.
	for key, value := range r.addFields {
		transformed[key] = value
	}

	for key, value := range row {
		keyLower := strings.ToLower(key)

		if len(r.exclude) > 0 && r.exclude[keyLower] {
			continue
		}
		if len(r.include) > 0 && !r.include[keyLower] {
			continue
		}

		outputKey := key
		if newName, ok := r.rename[keyLower]; ok {
			outputKey = newName
		}
		transformed[outputKey] = value
	}

	return transformed
}

// matches checks if a rule matches the given database and table
func (r *RuleMatcher) matches(database, table string) bool {
	if r.database != "" && !strings.EqualFold(r.database, database) {
		return false
	}
	if r.table != "" && !strings.EqualFold(r.table, table) {
		return false
	}
	return true
}
