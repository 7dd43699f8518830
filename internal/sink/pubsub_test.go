package sink

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestPubSub(t *testing.T, enc Encoding) (*PubSub, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client, err := pubsub.NewClient(ctx, "trafficmesh-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ps, err := NewPubSubFromClient(ctx, client, "records", enc)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return ps, srv
}

func TestPubSubPublishesJSON(t *testing.T) {
	ps, srv := newTestPubSub(t, "")
	require.NoError(t, ps.Write(context.Background(), sample()))

	msgs := srv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "run-1", msgs[1].OrderingKey)
	assert.Equal(t, "event", msgs[1].Attributes["kind"])
	assert.Equal(t, "phase_change", msgs[1].Attributes["type"])
	assert.Equal(t, "1", msgs[1].Attributes["tick"])

	var rec Record
	require.NoError(t, json.Unmarshal(msgs[1].Data, &rec))
	assert.Equal(t, "n_1_1", rec.Agent)
}

func TestPubSubPublishesProtoStruct(t *testing.T) {
	ps, srv := newTestPubSub(t, EncodingProto)
	require.NoError(t, ps.Write(context.Background(), sample()[:1]))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "proto", msgs[0].Attributes["encoding"])

	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(msgs[0].Data, &s))
	assert.Equal(t, "tick", s.Fields["kind"].GetStringValue())
	assert.Equal(t, 12.0, s.Fields["fields"].GetStructValue().Fields["active_agents"].GetNumberValue())
}
