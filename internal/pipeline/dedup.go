package pipeline

import (
	"fmt"

	"tidewater/internal/jsoncodec"
	"tidewater/internal/record"
	"tidewater/internal/stream"
)

// DedupFunc reduces the ordered rows of one drain before commit.
type DedupFunc func(d *stream.Descriptor, rows []record.Row) []record.Row

// KeepAll commits rows as buffered.
func KeepAll(_ *stream.Descriptor, rows []record.Row) []record.Row { return rows }

// KeepLastByKey keeps the last row per key-properties value, in the order
// those last rows arrived. Streams without key properties pass through.
func KeepLastByKey(d *stream.Descriptor, rows []record.Row) []record.Row {
	if len(d.KeyProperties) == 0 || len(rows) < 2 {
		return rows
	}
	keys := make([]string, len(rows))
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		keys[i] = rowKey(r, d.KeyProperties)
		last[keys[i]] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]record.Row, 0, len(last))
	for i, r := range rows {
		if last[keys[i]] == i {
			out = append(out, r)
		}
	}
	return out
}

func rowKey(r record.Row, props []string) string {
	parts := make([]any, len(props))
	for i, p := range props {
		parts[i] = r[p].Any()
	}
	raw, err := jsoncodec.Marshal(parts)
	if err != nil {
		return fmt.Sprint(parts...)
	}
	return string(raw)
}
