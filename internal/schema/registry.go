// Package schema detects and persists log parsing schemas: given a few
// sample lines, guess where timestamp, level, service and message live, so
// external ingestors can be pointed at a new source without hand-written
// mapping. The registry shares the relational file with the control store.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

const migration = `
CREATE TABLE IF NOT EXISTS schemas (
	source_name TEXT PRIMARY KEY,
	schema_json TEXT NOT NULL
);
`

// Field maps one canonical event field to its location in the source.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	SourceField string `json:"source_field"`
}

// Schema is the parsing recipe for one log source.
type Schema struct {
	SourceName string  `json:"source_name"`
	Fields     []Field `json:"fields"`
}

// Registry persists schemas keyed by source name.
type Registry struct {
	db *sqlx.DB
}

// NewRegistry migrates the schemas table on an already-open handle.
func NewRegistry(db *sqlx.DB) (*Registry, error) {
	if _, err := db.Exec(migration); err != nil {
		return nil, fmt.Errorf("migrate schema registry: %w", err)
	}
	return &Registry{db: db}, nil
}

// Save upserts a schema.
func (r *Registry) Save(ctx context.Context, s Schema) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schemas (source_name, schema_json) VALUES (?, ?)
		ON CONFLICT(source_name) DO UPDATE SET schema_json = excluded.schema_json`,
		s.SourceName, string(raw))
	if err != nil {
		return fmt.Errorf("save schema %q: %w", s.SourceName, err)
	}
	return nil
}

// Get returns the schema for a source, nil if unknown.
func (r *Registry) Get(ctx context.Context, sourceName string) (*Schema, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw,
		`SELECT schema_json FROM schemas WHERE source_name = ?`, sourceName)
	if err != nil {
		return nil, nil //nolint:nilerr // unknown source
	}
	var s Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode schema %q: %w", sourceName, err)
	}
	return &s, nil
}

// bglRe matches the fixed-position BGL supercomputer log format.
var bglRe = regexp.MustCompile(
	`^(-|\d+)\s+(\d+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+RAS\s+(\w+)\s+(\w+)\s+(.*)$`)

// Detect guesses a schema from sample lines. Two heuristics: the OTel
// nested-JSON export shape, and the BGL fixed-position shape. Returns nil
// when neither matches.
func Detect(samples []string) *Schema {
	if len(samples) == 0 {
		return nil
	}
	first := strings.TrimSpace(samples[0])

	if s := detectOTel(first); s != nil {
		return s
	}
	if bglRe.MatchString(first) {
		return &Schema{Fields: []Field{
			{Name: "timestamp", Type: "datetime", SourceField: "unix_ts"},
			{Name: "level", Type: "keyword", SourceField: "level"},
			{Name: "service", Type: "keyword", SourceField: "node"},
			{Name: "message", Type: "string", SourceField: "message"},
		}}
	}
	return nil
}

// otelExport mirrors the slice of the OTLP/JSON log export we care about.
type otelExport struct {
	ResourceLogs []struct {
		Resource struct {
			Attributes []struct {
				Key   string `json:"key"`
				Value struct {
					StringValue string `json:"stringValue"`
				} `json:"value"`
			} `json:"attributes"`
		} `json:"resource"`
		ScopeLogs []struct {
			LogRecords []struct {
				TimeUnixNano string `json:"timeUnixNano"`
				SeverityText string `json:"severityText"`
				Body         struct {
					StringValue string `json:"stringValue"`
				} `json:"body"`
			} `json:"logRecords"`
		} `json:"scopeLogs"`
	} `json:"resourceLogs"`
}

func detectOTel(line string) *Schema {
	if !strings.HasPrefix(line, "{") {
		return nil
	}
	var doc otelExport
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return nil
	}
	if len(doc.ResourceLogs) == 0 || len(doc.ResourceLogs[0].ScopeLogs) == 0 ||
		len(doc.ResourceLogs[0].ScopeLogs[0].LogRecords) == 0 {
		return nil
	}
	return &Schema{Fields: []Field{
		{Name: "timestamp", Type: "datetime", SourceField: "resourceLogs[0].scopeLogs[0].logRecords[0].timeUnixNano"},
		{Name: "level", Type: "keyword", SourceField: "resourceLogs[0].scopeLogs[0].logRecords[0].severityText"},
		{Name: "service", Type: "keyword", SourceField: "resourceLogs[0].resource.attributes[service.name]"},
		{Name: "message", Type: "string", SourceField: "resourceLogs[0].scopeLogs[0].logRecords[0].body.stringValue"},
	}}
}
