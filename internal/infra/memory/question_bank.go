package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/R4f0so/quiz-corp/internal/domain"
)

// QuestionLoader fetches the question bank from a backing store.
type QuestionLoader interface {
	LoadQuestions(ctx context.Context) ([]domain.Question, error)
}

// QuestionBank caches the question bank with a TTL so every participant
// fetching their sequence does not hit the store. Question edits become
// visible once the cache entry expires.
type QuestionBank struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu        sync.RWMutex
	cached    []domain.Question
	expiresAt time.Time
}

func NewQuestionBank(loader QuestionLoader, ttl time.Duration) *QuestionBank {
	return &QuestionBank{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *QuestionBank) Questions(ctx context.Context) ([]domain.Question, error) {
	now := b.clock()

	b.mu.RLock()
	if b.cached != nil && b.expiresAt.After(now) {
		cached := b.cached
		b.mu.RUnlock()
		return cached, nil
	}
	b.mu.RUnlock()

	result, err, _ := b.sf.Do("questions", func() (interface{}, error) {
		now := b.clock()
		b.mu.RLock()
		if b.cached != nil && b.expiresAt.After(now) {
			cached := b.cached
			b.mu.RUnlock()
			return cached, nil
		}
		b.mu.RUnlock()

		questions, err := b.loader.LoadQuestions(ctx)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.cached = questions
		b.expiresAt = now.Add(b.ttlWithJitter())
		b.mu.Unlock()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// QuestionSource is any ledger able to list questions.
type QuestionSource interface {
	ListQuestions(ctx context.Context, topicID string) ([]domain.Question, error)
}

// LedgerLoader adapts a ledger's question listing to QuestionLoader.
type LedgerLoader struct {
	source QuestionSource
}

func NewLedgerLoader(source QuestionSource) *LedgerLoader {
	return &LedgerLoader{source: source}
}

func (l *LedgerLoader) LoadQuestions(ctx context.Context) ([]domain.Question, error) {
	return l.source.ListQuestions(ctx, "")
}

func (b *QuestionBank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	// up to 10% jitter to spread expirations
	jitterMax := int64(b.ttl) / 10
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}
