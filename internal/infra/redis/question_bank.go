package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/infra/memory"
)

const questionsKey = "quiz:questions"

// QuestionBank caches the serialized question bank in Redis so all
// coordinator instances share one cache, falling back to a loader on miss.
type QuestionBank struct {
	client *redis.Client
	loader memory.QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionBank(client *redis.Client, loader memory.QuestionLoader, ttl time.Duration) *QuestionBank {
	return &QuestionBank{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *QuestionBank) Questions(ctx context.Context) ([]domain.Question, error) {
	if cached, ok := b.fromCache(ctx); ok {
		return cached, nil
	}

	result, err, _ := b.sf.Do(questionsKey, func() (interface{}, error) {
		// Re-check in case another goroutine filled the cache.
		if cached, ok := b.fromCache(ctx); ok {
			return cached, nil
		}

		questions, err := b.loader.LoadQuestions(ctx)
		if err != nil {
			return nil, err
		}

		if payload, err := json.Marshal(questions); err == nil {
			// Best effort: a failed cache write just means a reload later.
			_ = b.client.Set(ctx, questionsKey, payload, b.ttlWithJitter()).Err()
		}
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (b *QuestionBank) fromCache(ctx context.Context) ([]domain.Question, bool) {
	payload, err := b.client.Get(ctx, questionsKey).Bytes()
	if err != nil {
		return nil, false
	}
	var questions []domain.Question
	if err := json.Unmarshal(payload, &questions); err != nil {
		return nil, false
	}
	return questions, true
}

func (b *QuestionBank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	jitterMax := int64(b.ttl) / 10
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}
