package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

func TestNotifyPublishesChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic := "projects/project-id/topics/syllabus-changes"
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
	require.NoError(t, err)

	pub := New(client.Publisher(topic))
	defer pub.Stop()

	change := syllabus.Change{Key: 42, Title: "線形代数", Generation: "gen2", Fingerprint: "b", Previous: "a"}
	require.NoError(t, pub.Notify(ctx, change))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "42", msgs[0].Attributes["subject_id"])
	require.Equal(t, "gen2", msgs[0].Attributes["generation"])

	var got syllabus.Change
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, change, got)
}

func TestNotifyWithoutPublisher(t *testing.T) {
	t.Parallel()
	require.Error(t, New(nil).Notify(context.Background(), syllabus.Change{}))
}
