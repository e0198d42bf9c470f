package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidewater/internal/telemetry"
)

func decodeAll(t *testing.T, input string) ([]Message, error) {
	t.Helper()
	d := NewDecoder(strings.NewReader(input))
	var out []Message
	for {
		m, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
}

func TestDecoder_AllShapes(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"SCHEMA","stream":"users","schema":{"properties":{"id":{"type":["integer"]}}},"key_properties":["id"],"bookmark_properties":["updated_at"]}`,
		`{"type":"RECORD","stream":"users","record":{"id":1},"version":3,"time_extracted":"2024-01-02T03:04:05Z"}`,
		`{"type":"STATE","value":{"bookmarks":{"users":{"updated_at":"2024-01-01"}},"currently_syncing":"users"}}`,
		`{"type":"ACTIVATE_VERSION","stream":"users","version":3}`,
		`{"type":"BATCH","stream":"users","encoding":{"format":"jsonl","compression":"gzip"},"manifest":["a.jsonl.gz"]}`,
	}, "\n")

	msgs, err := decodeAll(t, input)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	s := msgs[0].(*SchemaMessage)
	assert.Equal(t, "users", s.Stream)
	assert.Equal(t, []string{"id"}, s.KeyProperties)
	assert.Equal(t, []string{"updated_at"}, s.BookmarkProperties)
	assert.Contains(t, string(s.RawSchema), `"properties"`)
	assert.Equal(t, 1, s.Line())

	r := msgs[1].(*RecordMessage)
	require.NotNil(t, r.Version)
	assert.Equal(t, int64(3), *r.Version)
	assert.Equal(t, 2024, r.TimeExtracted.Year())
	assert.Greater(t, r.Size, 0)

	st := msgs[2].(*StateMessage)
	streams, root := st.Bookmarks()
	assert.Equal(t, "2024-01-01", streams["users"]["updated_at"])
	assert.Equal(t, "users", root["currently_syncing"])

	av := msgs[3].(*ActivateVersionMessage)
	assert.Equal(t, int64(3), av.Version)

	b := msgs[4].(*BatchMessage)
	assert.Equal(t, "gzip", b.Encoding.Compression)
	assert.Equal(t, []string{"a.jsonl.gz"}, b.Manifest)
}

func TestDecoder_SkipsMalformedLines(t *testing.T) {
	before := testutil.ToFloat64(telemetry.DecodeWarnings)
	input := "not json\n\n{\"type\":\"STATE\",\"value\":{}}\n{broken"

	d := NewDecoder(strings.NewReader(input))
	m, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeState, m.Type())
	assert.Equal(t, 3, m.Line())

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, d.Warnings())
	assert.Equal(t, before+2, testutil.ToFloat64(telemetry.DecodeWarnings))
}

func TestDecoder_LogLinesAreDropped(t *testing.T) {
	input := `{"level":"INFO","message":"hello","caller":"tap.py:10"}` + "\n" +
		`{"type":"LOG","level":"warn","message":"typed"}` + "\n" +
		`{"type":"STATE","value":{"a":1}}`
	msgs, err := decodeAll(t, input)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeState, msgs[0].Type())
}

func TestDecoder_ProtocolErrors(t *testing.T) {
	cases := map[string]string{
		"missing type":      `{"stream":"users","record":{}}`,
		"unknown type":      `{"type":"UPSERT","stream":"users"}`,
		"record no stream":  `{"type":"RECORD","record":{"id":1}}`,
		"record no record":  `{"type":"RECORD","stream":"users"}`,
		"schema no schema":  `{"type":"SCHEMA","stream":"users"}`,
		"state no value":    `{"type":"STATE"}`,
		"version not int":   `{"type":"ACTIVATE_VERSION","stream":"users","version":"abc"}`,
		"batch no manifest": `{"type":"BATCH","stream":"users"}`,
		"type not string":   `{"type":7,"stream":"users","record":{}}`,
		"stream not string": `{"type":"RECORD","stream":5,"record":{}}`,
		"keys not list":     `{"type":"SCHEMA","stream":"users","schema":{},"key_properties":"id"}`,
		"record not object": `{"type":"RECORD","stream":"users","record":[1]}`,
		"manifest not list": `{"type":"BATCH","stream":"users","manifest":"a.jsonl"}`,
		"not an object":     `[1,2,3]`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeAll(t, line)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, 1, pe.Line)
		})
	}
}

func TestDecoder_BadOptionalMembersAreIgnored(t *testing.T) {
	before := testutil.ToFloat64(telemetry.DecodeWarnings)
	input := strings.Join([]string{
		`{"type":"SCHEMA","stream":"users","schema":{},"key_properties":["id"],"bookmark_properties":"updated_at"}`,
		`{"type":"RECORD","stream":"users","record":{"id":1},"time_extracted":1700000000}`,
		`{"type":"RECORD","stream":"users","record":{"id":2},"time_extracted":"yesterday"}`,
	}, "\n")

	msgs, err := decodeAll(t, input)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	s := msgs[0].(*SchemaMessage)
	assert.Equal(t, []string{"id"}, s.KeyProperties)
	assert.Empty(t, s.BookmarkProperties)

	r := msgs[1].(*RecordMessage)
	assert.Equal(t, "1", r.Record["id"].(json.Number).String())
	assert.True(t, r.TimeExtracted.IsZero())
	assert.True(t, msgs[2].(*RecordMessage).TimeExtracted.IsZero())

	assert.Equal(t, before, testutil.ToFloat64(telemetry.DecodeWarnings))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"STATE","value":{}}`+"\n"), 0o644))

	d, err := OpenFile(path)
	require.NoError(t, err)
	defer d.Close()

	m, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeState, m.Type())
}

func TestDecoder_LongLine(t *testing.T) {
	long := strings.Repeat("x", 3<<20)
	input := `{"type":"RECORD","stream":"s","record":{"blob":"` + long + `"}}`
	msgs, err := decodeAll(t, input)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].(*RecordMessage).Record["blob"], len(long))
}
