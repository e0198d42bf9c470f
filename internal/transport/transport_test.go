package transport

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"tidewater/internal/record"
	"tidewater/internal/stream"
)

type recorder struct {
	UnimplementedCommitter
	got []Batch
}

func (r *recorder) Commit(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	b, err := DecodeBatch(in)
	if err != nil {
		return nil, err
	}
	r.got = append(r.got, b)
	return &emptypb.Empty{}, nil
}

func startBufconn(t *testing.T, impl CommitterServer) *CommitterClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(lis, impl)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)

	cc, cli, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cli
}

func TestCommitRoundTrip(t *testing.T) {
	rec := &recorder{}
	cli := startBufconn(t, rec)

	d := &stream.Descriptor{Name: "users", KeyProperties: []string{"id"}, Version: 3}
	rows := []record.Row{{
		"id":   record.NumberValue(json.Number("7")),
		"name": record.StringValue("a"),
		"tags": record.ListValue([]record.Value{record.NumberValue("1.5"), record.NullValue()}),
	}}
	payload, err := EncodeBatch(d, rows)
	require.NoError(t, err)

	_, err = cli.Commit(context.Background(), payload)
	require.NoError(t, err)

	require.Len(t, rec.got, 1)
	b := rec.got[0]
	assert.Equal(t, "users", b.Stream)
	assert.EqualValues(t, 3, b.Version)
	assert.Equal(t, []string{"id"}, b.KeyProperties)
	assert.Equal(t, []map[string]any{{"id": 7.0, "name": "a", "tags": []any{1.5, nil}}}, b.Rows)
}

func TestHealthAndActivateVersion(t *testing.T) {
	cli := startBufconn(t, &recorder{})

	h, err := cli.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, h.AsMap()["ok"])

	payload, err := EncodeVersion(&stream.Descriptor{Name: "users"}, 4)
	require.NoError(t, err)
	_, err = cli.ActivateVersion(context.Background(), payload)
	assert.NoError(t, err)
}

func TestDecodeBatch_RequiresStream(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"rows": []any{}})
	require.NoError(t, err)
	_, err = DecodeBatch(s)
	assert.Error(t, err)
}
