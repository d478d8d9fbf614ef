package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FeedbackEvent announces a graded submission to downstream consumers.
type FeedbackEvent struct {
	Source       string    `json:"source"`
	SubmissionID uint      `json:"submission_id"`
	ProgressID   uint      `json:"progress_id"`
	UserID       uint      `json:"user_id"`
	QuestionID   uint      `json:"question_id"`
	Phase        string    `json:"phase"`
	Status       string    `json:"status"`
	GivenGradePC float64   `json:"given_grade_pc"`
	FinalGradePC float64   `json:"final_grade_pc"`
	IsCorrect    bool      `json:"is_correct"`
	SentAt       time.Time `json:"sent_at"`
}

// FeedbackPublisher fans graded feedback out to brokers.
type FeedbackPublisher interface {
	Publish(ctx context.Context, event FeedbackEvent)
}

type feedbackPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	tracer       trace.Tracer
	logger       zerolog.Logger
}

// NewFeedbackPublisher publishes on "<base>:feedback" in redis and
// "<base>.feedback" in NATS. Either connection may be nil.
func NewFeedbackPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) FeedbackPublisher {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":feedback"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".feedback"
	}

	return &feedbackPublisher{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		nodeID:       uuid.NewString(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-autograder/internal/service/feedback"),
		logger:       logger.With().Str("component", "feedback_publisher").Logger(),
	}
}

// Publish never fails the caller; broker errors are logged.
func (p *feedbackPublisher) Publish(ctx context.Context, event FeedbackEvent) {
	ctx, span := p.tracer.Start(ctx, "feedback.publish", trace.WithAttributes(
		attribute.Int64("feedback.submission_id", int64(event.SubmissionID)),
		attribute.String("feedback.status", event.Status),
	))
	defer span.End()

	event.Source = p.nodeID
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}

	if err := p.publish(ctx, event); err != nil {
		span.RecordError(err)
		p.logger.Warn().Err(err).Uint("submission_id", event.SubmissionID).Msg("failed to publish feedback event")
	}
}

func (p *feedbackPublisher) publish(ctx context.Context, event FeedbackEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var errs []error
	if p.redis != nil && p.redisChannel != "" {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopFeedbackPublisher struct{}

func (noopFeedbackPublisher) Publish(context.Context, FeedbackEvent) {}
