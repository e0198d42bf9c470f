package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidewater/internal/normalize"
	"tidewater/internal/pipeline"
	"tidewater/internal/protocol"
	"tidewater/internal/record"
	"tidewater/internal/state"
	"tidewater/internal/stream"
)

type recorder struct {
	mu          sync.Mutex
	commits     map[string][][]map[string]any
	order       []string
	activations []int64
	fail        error
}

func newRecorder() *recorder { return &recorder{commits: map[string][][]map[string]any{}} }

func (r *recorder) Commit(_ context.Context, d *stream.Descriptor, rows []record.Row) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]map[string]any, len(rows))
	for i, row := range rows {
		batch[i] = row.Any()
	}
	r.commits[d.Name] = append(r.commits[d.Name], batch)
	r.order = append(r.order, d.Name)
	return nil
}

func (r *recorder) ActivateVersion(_ context.Context, _ *stream.Descriptor, v int64) error {
	r.activations = append(r.activations, v)
	return nil
}

const usersSchema = `{"type":"SCHEMA","stream":"users","schema":{"properties":{"id":{"type":["integer"]},"name":{"type":["string"]}}},"key_properties":["id"]}`

func run(t *testing.T, input string, c *recorder, sopts stream.Options) (*bytes.Buffer, error) {
	t.Helper()
	var out bytes.Buffer
	e := New(Deps{
		Registry:   stream.NewRegistry(sopts),
		Normalizer: normalize.New(normalize.Options{}),
		Scheduler: pipeline.NewScheduler(pipeline.Options{
			Committer: c,
			State:     state.New(state.Options{Out: &out}),
		}),
		Committer: c,
	})
	err := e.Consume(context.Background(), protocol.NewDecoder(strings.NewReader(input)))
	return &out, err
}

func lines(ls ...string) string { return strings.Join(ls, "\n") + "\n" }

func TestConsume_UsersScenario(t *testing.T) {
	c := newRecorder()
	out, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}`,
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B"}}`,
	), c, stream.Options{})
	require.NoError(t, err)

	require.Len(t, c.commits["users"], 1)
	assert.Equal(t, []map[string]any{
		{"id": json.Number("1"), "name": "A"},
		{"id": json.Number("2"), "name": "B"},
	}, c.commits["users"][0])
	assert.Equal(t, "{}\n", out.String())
}

func TestConsume_RecordBeforeSchema(t *testing.T) {
	c := newRecorder()
	out, err := run(t, lines(`{"type":"RECORD","stream":"users","record":{"id":1}}`), c, stream.Options{})

	var pe *protocol.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Line)
	assert.Equal(t, "users", pe.Stream)
	assert.Empty(t, c.order)
	assert.Empty(t, out.String())
}

func TestConsume_RecordMissingKeyProperty(t *testing.T) {
	cases := map[string]string{
		"absent": `{"type":"RECORD","stream":"users","record":{"name":"A"}}`,
		"null":   `{"type":"RECORD","stream":"users","record":{"id":null,"name":"A"}}`,
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			c := newRecorder()
			out, err := run(t, lines(usersSchema, rec), c, stream.Options{})

			var pe *protocol.ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, 2, pe.Line)
			assert.Contains(t, pe.Reason, `"id"`)
			assert.Empty(t, c.order)
			assert.Empty(t, out.String())
		})
	}
}

func TestConsume_BadlyTypedTimeExtractedKeepsRecord(t *testing.T) {
	c := newRecorder()
	_, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"},"time_extracted":1700000000}`,
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B"}}`,
	), c, stream.Options{})
	require.NoError(t, err)
	require.Len(t, c.commits["users"], 1)
	assert.Len(t, c.commits["users"][0], 2)
}

func TestConsume_TypeNotStringIsFatal(t *testing.T) {
	c := newRecorder()
	_, err := run(t, lines(usersSchema, `{"type":7,"stream":"users","record":{"id":1}}`), c, stream.Options{})

	var pe *protocol.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Line)
}

func TestConsume_StateFollowsCommit(t *testing.T) {
	c := newRecorder()
	out, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}`,
		`{"type":"STATE","value":{"currently_syncing":"users","bookmarks":{"users":{"id":1}}}}`,
		`not json at all`,
		`{"level":"INFO","message":"tap says hi"}`,
	), c, stream.Options{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"currently_syncing":"users","bookmarks":{"users":{"id":1}}}`, out.String())
}

func TestConsume_SchemaReplacementRetiresSink(t *testing.T) {
	c := newRecorder()
	_, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}`,
		`{"type":"SCHEMA","stream":"users","schema":{"properties":{"id":{"type":["integer"]},"name":{"type":["string"]}}},"key_properties":["id","name"]}`,
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B"}}`,
	), c, stream.Options{})
	require.NoError(t, err)

	require.Len(t, c.commits["users"], 2)
	assert.Equal(t, json.Number("1"), c.commits["users"][0][0]["id"])
	assert.Equal(t, json.Number("2"), c.commits["users"][1][0]["id"])
}

func TestConsume_ActivateVersion(t *testing.T) {
	c := newRecorder()
	out, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}`,
		`{"type":"ACTIVATE_VERSION","stream":"users","version":5}`,
		`{"type":"ACTIVATE_VERSION","stream":"users","version":3}`,
	), c, stream.Options{})
	require.NoError(t, err)

	assert.Equal(t, []int64{5}, c.activations)
	require.Len(t, c.commits["users"], 1)
	// one snapshot after the activation flush, one at end of input
	assert.Equal(t, "{}\n{}\n", out.String())
}

func TestConsume_SkipPolicyDropsInvalidRows(t *testing.T) {
	c := newRecorder()
	_, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":"one","name":"A"}}`,
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B"}}`,
	), c, stream.Options{Streams: map[string]stream.Settings{"users": {Validation: stream.ValidationSkip}}})
	require.NoError(t, err)

	require.Len(t, c.commits["users"], 1)
	assert.Len(t, c.commits["users"][0], 1)
}

func TestConsume_InvalidRowIsFatal(t *testing.T) {
	c := newRecorder()
	_, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":"one","name":"A"}}`,
	), c, stream.Options{})

	var ve *normalize.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)
	assert.Empty(t, c.order)
}

func TestConsume_CommitFailureWithholdsState(t *testing.T) {
	c := newRecorder()
	c.fail = errors.New("warehouse down")
	out, err := run(t, lines(
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}`,
		`{"type":"STATE","value":{"bookmarks":{"users":{"id":1}}}}`,
	), c, stream.Options{})

	var agg *pipeline.AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures(), 1)
	assert.Equal(t, "users", agg.Failures()[0].Stream)
	assert.Empty(t, out.String())
}

func TestConsume_BatchManifest(t *testing.T) {
	var buf bytes.Buffer
	zw := kgzip.NewWriter(&buf)
	_, err := zw.Write([]byte("{\"id\":10,\"name\":\"J\"}\n{\"id\":11,\"name\":\"K\"}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	path := filepath.Join(t.TempDir(), "part-0.jsonl.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	batch, err := json.Marshal(map[string]any{
		"type":     "BATCH",
		"stream":   "users",
		"encoding": map[string]string{"format": "jsonl", "compression": "gzip"},
		"manifest": []string{path},
	})
	require.NoError(t, err)

	c := newRecorder()
	_, err = run(t, lines(usersSchema, string(batch)), c, stream.Options{})
	require.NoError(t, err)

	require.Len(t, c.commits["users"], 1)
	got := c.commits["users"][0]
	require.Len(t, got, 2)
	assert.Equal(t, "J", got[0]["name"])
	assert.Equal(t, "K", got[1]["name"])
}

func TestConsume_CancelledStillFinishes(t *testing.T) {
	c := newRecorder()
	var out bytes.Buffer
	e := New(Deps{
		Scheduler: pipeline.NewScheduler(pipeline.Options{
			Committer: c,
			State:     state.New(state.Options{Out: &out}),
		}),
		Committer: c,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Consume(ctx, protocol.NewDecoder(strings.NewReader(lines(usersSchema))))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out.String())
}

func TestRun_WithoutInput(t *testing.T) {
	assert.Error(t, New(Deps{Committer: newRecorder()}).Run(context.Background()))
}
