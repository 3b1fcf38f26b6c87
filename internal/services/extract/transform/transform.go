// Package transform implements the key-renaming, type-coercing record
// transform applied to every batch immediately before it is loaded
package transform

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"rangefeed/internal/platform/logger"
	"rangefeed/internal/services/extract/domain"
)

// PipelineVersion is stamped onto every transformed record
const PipelineVersion = "1.0.0"

var dateTimeColumn = func() func(string) bool {
	return func(name string) bool {
		lower := strings.ToLower(name)
		return strings.Contains(lower, "date") || strings.Contains(lower, "time")
	}
}()

// Transform renames keys per mapping (falling back to the default
// camelCase-to-snake_case rule), coerces date-like and numeric-like
// column values across the batch, nulls out empty strings, and stamps
// _loaded_at/_pipeline_version. Satisfies domain.Transformer
type Transform struct {
	mapping map[string]string
	now     func() time.Time
	log     logger.Logger
}

// New builds a Transform. mapping may be nil
func New(mapping map[string]string) *Transform {
	return &Transform{mapping: mapping, now: time.Now, log: *logger.Named("transform")}
}

var _ domain.Transformer = (*Transform)(nil)

// Transform returns renamed and coerced copies of records in a new
// slice; the input records are not modified
func (t *Transform) Transform(records []domain.Record) []domain.Record {
	if len(records) == 0 {
		return records
	}

	renamed := make([]domain.Record, len(records))
	for i, r := range records {
		renamed[i] = t.rename(r)
	}

	columns := columnUnion(renamed)
	for _, col := range columns {
		coerceColumn(renamed, col)
	}

	loadedAt := t.now().UTC()
	for _, r := range renamed {
		r["_loaded_at"] = loadedAt
		r["_pipeline_version"] = PipelineVersion
	}

	return renamed
}

// rename maps every top-level key through mapping, falling back to the
// default camelCase-to-snake_case rule, and nulls out empty strings
func (t *Transform) rename(r domain.Record) domain.Record {
	out := make(domain.Record, len(r))
	for k, v := range r {
		dest := k
		if t.mapping != nil {
			if m, ok := t.mapping[k]; ok {
				dest = m
			} else {
				dest = toSnakeCase(k)
			}
		} else {
			dest = toSnakeCase(k)
		}
		if s, ok := v.(string); ok && s == "" {
			out[dest] = nil
			continue
		}
		out[dest] = v
	}
	return out
}

// toSnakeCase inserts '_' before every uppercase letter not at position
// zero, then lowercases the whole string. Implemented as an explicit walk
// rather than a regex: the rule is a total function over runes
func toSnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// columnUnion collects every key present in any record, so the loader can
// emit a tabular sink with column-union semantics
func columnUnion(records []domain.Record) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range records {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// coerceColumn parses a date/time-named column's values as timestamps
// (unparseable becomes null), otherwise coerces numeric-looking strings
func coerceColumn(records []domain.Record, col string) {
	isDateTime := dateTimeColumn(col)
	for _, r := range records {
		v, ok := r[col]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if isDateTime {
			if ts, err := parseTimestamp(s); err == nil {
				r[col] = ts
			} else {
				r[col] = nil
			}
			continue
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			r[col] = n
		}
	}
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.000000Z",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// Validate counts records missing an identifying key instead of dropping
// them outright, mirroring the upstream extractor's tolerant behavior of
// loading partially-identified records while surfacing a count for
// operators to investigate
func Validate(records []domain.Record, idKey string) (valid []domain.Record, missingID int) {
	valid = make([]domain.Record, 0, len(records))
	for _, r := range records {
		if v, ok := r[idKey]; !ok || v == nil {
			missingID++
		}
		valid = append(valid, r)
	}
	return valid, missingID
}
