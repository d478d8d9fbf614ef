package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFeedbackPublisherFansOutToRedis(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := client.Subscribe(ctx, "grader:feedback")
	defer pubsub.Close()
	_, err = pubsub.Receive(ctx)
	require.NoError(t, err)

	publisher := NewFeedbackPublisher(client, nil, "grader", zerolog.Nop())
	publisher.Publish(ctx, FeedbackEvent{SubmissionID: 7, UserID: 3, Status: "correct", GivenGradePC: 100})

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var event FeedbackEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	require.Equal(t, uint(7), event.SubmissionID)
	require.Equal(t, "correct", event.Status)
	require.NotEmpty(t, event.Source)
	require.False(t, event.SentAt.IsZero())
}

func TestFeedbackPublisherSwallowsBrokerErrors(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	server.Close()

	publisher := NewFeedbackPublisher(client, nil, "grader", zerolog.Nop())
	require.NotPanics(t, func() {
		publisher.Publish(context.Background(), FeedbackEvent{SubmissionID: 1})
	})

	NewFeedbackPublisher(nil, nil, "", zerolog.Nop()).Publish(context.Background(), FeedbackEvent{})
}
