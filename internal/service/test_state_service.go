package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/expansion"
	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/observability"
	"github.com/noah-isme/gema-autograder/internal/repository"
)

// ErrQuestionNotFound indicates the question cannot be located.
var ErrQuestionNotFound = errors.New("question not found")

// TestStateService memoizes expanded tests per question content hash.
type TestStateService interface {
	IsCurrent(ctx context.Context, question models.Question, state models.TestState) (bool, error)
	GetOrBuild(ctx context.Context, questionID uint) (models.TestState, error)
	Purge(ctx context.Context, questionID uint) (int64, error)
}

// Expander expands test templates.
type Expander interface {
	Expand(ctx context.Context, template iospec.Spec, refs []expansion.Reference, opts expansion.Options) (iospec.Spec, error)
}

// TestStateConfig tunes the test state cache.
type TestStateConfig struct {
	CacheTTL  time.Duration
	KeyPrefix string
}

type testStateService struct {
	questions repository.QuestionRepository
	states    repository.TestStateRepository
	expander  Expander
	cache     *redis.Client
	cfg       TestStateConfig
	group     singleflight.Group
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	logger    zerolog.Logger
}

// NewTestStateService constructs the read-through test state cache. The
// redis client is optional.
func NewTestStateService(questions repository.QuestionRepository, states repository.TestStateRepository, expander Expander, cache *redis.Client, cfg TestStateConfig, logger zerolog.Logger) (TestStateService, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "grader:test-state"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &testStateService{
		questions: questions,
		states:    states,
		expander:  expander,
		cache:     cache,
		cfg:       cfg,
		encoder:   encoder,
		decoder:   decoder,
		logger:    logger.With().Str("component", "test_state_service").Logger(),
	}, nil
}

// TestStateHash fingerprints everything an expansion depends on: both
// templates, the source hash of every answer key in language order and the
// numeric parameters.
func TestStateHash(question models.Question, keys []models.AnswerKey) string {
	sorted := append([]models.AnswerKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Language < sorted[j].Language })

	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	write(question.PreTestsSource)
	write(question.PostTestsSource)
	for _, key := range sorted {
		write(key.Language)
		write(models.HashSource(key.Source))
	}
	write(strconv.Itoa(question.NumPreTests))
	write(strconv.Itoa(question.NumPostTests))
	write(strconv.FormatFloat(question.TimeoutSeconds, 'g', -1, 64))
	return hex.EncodeToString(h.Sum(nil))
}

// ExpectedTests parses the expansion stored for a grading phase.
func ExpectedTests(state models.TestState, phase string) (iospec.Spec, error) {
	source := state.PreTests
	if phase == models.FeedbackPhasePost {
		source = state.PostTests
	}
	spec, err := iospec.Parse(source)
	if err != nil {
		return iospec.Spec{}, fmt.Errorf("stored %s tests are corrupt: %w", phase, err)
	}
	return spec, nil
}

func (s *testStateService) IsCurrent(ctx context.Context, question models.Question, state models.TestState) (bool, error) {
	keys, err := s.questions.ListAnswerKeys(ctx, question.ID)
	if err != nil {
		return false, err
	}
	return state.QuestionID == question.ID && state.Hash == TestStateHash(question, keys), nil
}

func (s *testStateService) GetOrBuild(ctx context.Context, questionID uint) (models.TestState, error) {
	question, err := s.questions.GetByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.TestState{}, ErrQuestionNotFound
		}
		return models.TestState{}, err
	}
	if !question.IsCodingIO() {
		return models.TestState{}, fmt.Errorf("question %d of kind %s has no IO tests", question.ID, question.Kind)
	}

	hash := TestStateHash(question, question.AnswerKeys)
	cacheKey := s.cacheKey(question.ID, hash)

	if state, ok := s.readCache(ctx, cacheKey); ok {
		observability.TestStateLookups().WithLabelValues("redis").Inc()
		return state, nil
	}

	state, err := s.states.Find(ctx, question.ID, hash)
	switch {
	case err == nil:
		observability.TestStateLookups().WithLabelValues("database").Inc()
		s.writeCache(ctx, cacheKey, state)
		if question.TestStateHash != hash {
			if err := s.questions.SetTestStateHash(ctx, question.ID, hash); err != nil {
				s.logger.Warn().Err(err).Uint("question_id", question.ID).Msg("failed to record test state hash")
			}
		}
		return state, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return models.TestState{}, err
	}

	// The build is shared by every caller waiting on this key, so it must
	// not inherit the cancellation of whichever caller started it.
	built := s.group.DoChan(cacheKey, func() (interface{}, error) {
		return s.build(context.WithoutCancel(ctx), question, hash)
	})
	select {
	case <-ctx.Done():
		return models.TestState{}, ctx.Err()
	case res := <-built:
		if res.Err != nil {
			return models.TestState{}, res.Err
		}
		observability.TestStateLookups().WithLabelValues("rebuild").Inc()
		return res.Val.(models.TestState), nil
	}
}

// build expands pre-tests, then post-tests on top of the expanded
// pre-tests, and persists the result.
func (s *testStateService) build(ctx context.Context, question models.Question, hash string) (models.TestState, error) {
	start := time.Now()
	state, err := s.expand(ctx, question, hash)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.ExpansionDuration().WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn().Err(err).Uint("question_id", question.ID).Msg("test expansion failed")
		return models.TestState{}, err
	}

	if err := s.states.CreateIfAbsent(ctx, &state); err != nil {
		return models.TestState{}, fmt.Errorf("persist test state: %w", err)
	}
	if err := s.questions.SetTestStateHash(ctx, question.ID, hash); err != nil {
		return models.TestState{}, fmt.Errorf("record test state hash: %w", err)
	}
	s.writeCache(ctx, s.cacheKey(question.ID, hash), state)

	s.logger.Info().
		Uint("question_id", question.ID).
		Str("hash", hash).
		Dur("duration", time.Since(start)).
		Msg("test state rebuilt")
	return state, nil
}

func (s *testStateService) expand(ctx context.Context, question models.Question, hash string) (models.TestState, error) {
	preTemplate, err := iospec.Parse(question.PreTestsSource)
	if err != nil {
		return models.TestState{}, fmt.Errorf("%w: pre-tests: %v", ErrInvalidQuestion, err)
	}
	postTemplate, err := iospec.Parse(question.PostTestsSource)
	if err != nil {
		return models.TestState{}, fmt.Errorf("%w: post-tests: %v", ErrInvalidQuestion, err)
	}

	refs := make([]expansion.Reference, 0, len(question.AnswerKeys))
	for _, key := range question.AnswerKeys {
		refs = append(refs, expansion.Reference{Language: key.Language, Source: key.Source})
	}

	seed := seedFromHash(hash)
	pre, err := s.expander.Expand(ctx, preTemplate, refs, expansion.Options{
		Size:    question.NumPreTests,
		Timeout: question.Timeout(),
		Seed:    seed,
	})
	if err != nil {
		return models.TestState{}, fmt.Errorf("expand pre-tests: %w", err)
	}

	post, err := s.expander.Expand(ctx, iospec.Join(pre, postTemplate), refs, expansion.Options{
		Size:    pre.Len() + question.NumPostTests,
		Timeout: question.Timeout(),
		Seed:    seed ^ 0x9e3779b97f4a7c15,
	})
	if err != nil {
		return models.TestState{}, fmt.Errorf("expand post-tests: %w", err)
	}

	return models.TestState{
		QuestionID: question.ID,
		Hash:       hash,
		PreTests:   iospec.Format(pre),
		PostTests:  iospec.Format(post),
	}, nil
}

func (s *testStateService) Purge(ctx context.Context, questionID uint) (int64, error) {
	question, err := s.questions.GetByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrQuestionNotFound
		}
		return 0, err
	}
	current := TestStateHash(question, question.AnswerKeys)

	removed, err := s.states.DeleteExcept(ctx, questionID, current)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		keep := s.cacheKey(questionID, current)
		iter := s.cache.Scan(ctx, 0, fmt.Sprintf("%s:%d:*", s.cfg.KeyPrefix, questionID), 100).Iterator()
		for iter.Next(ctx) {
			if iter.Val() == keep {
				continue
			}
			if err := s.cache.Del(ctx, iter.Val()).Err(); err != nil {
				s.logger.Warn().Err(err).Str("key", iter.Val()).Msg("failed to delete cached test state")
			}
		}
		if err := iter.Err(); err != nil {
			s.logger.Warn().Err(err).Uint("question_id", questionID).Msg("failed to scan cached test states")
		}
	}

	if removed > 0 {
		s.logger.Info().Uint("question_id", questionID).Int64("removed", removed).Msg("stale test states purged")
	}
	return removed, nil
}

func (s *testStateService) cacheKey(questionID uint, hash string) string {
	return fmt.Sprintf("%s:%d:%s", s.cfg.KeyPrefix, questionID, hash)
}

func (s *testStateService) readCache(ctx context.Context, key string) (models.TestState, bool) {
	if s.cache == nil {
		return models.TestState{}, false
	}
	blob, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read test state cache")
		}
		return models.TestState{}, false
	}

	raw, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt test state cache entry")
		return models.TestState{}, false
	}
	var state models.TestState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt test state cache entry")
		return models.TestState{}, false
	}
	return state, true
}

func (s *testStateService) writeCache(ctx context.Context, key string, state models.TestState) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode test state")
		return
	}
	if err := s.cache.Set(ctx, key, s.encoder.EncodeAll(raw, nil), s.cfg.CacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store test state cache")
	}
}

func seedFromHash(hash string) uint64 {
	raw, err := hex.DecodeString(hash)
	if err != nil || len(raw) < 8 {
		sum := sha256.Sum256([]byte(hash))
		raw = sum[:]
	}
	return binary.BigEndian.Uint64(raw[:8])
}
