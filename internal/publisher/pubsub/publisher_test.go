package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type labeled struct {
	AccountID string `json:"account_id"`
}

func (l labeled) Attributes() map[string]string {
	return map[string]string{"account_id": l.AccountID}
}

func TestPublisherPublishesJSON(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "accounts")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(ctx, "accounts", labeled{AccountID: "42"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"account_id":"42"}`, string(msgs[0].Data))
	require.Equal(t, "42", msgs[0].Attributes["account_id"])
}

func TestPublisherRequiresTopic(t *testing.T) {
	var p *Publisher
	_, err := p.Publish(context.Background(), "accounts", nil)
	require.Error(t, err)
}
