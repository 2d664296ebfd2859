package app

import (
	"context"
	"strings"

	"github.com/R4f0so/quiz-corp/internal/domain"
)

// Content management for topics and questions. These are thin validations in
// front of the ledger; the coordinator owns them because the same validation
// rules apply whichever transport the admin uses.

// CreateTopic adds a topic with a non-empty name.
func (c *Coordinator) CreateTopic(ctx context.Context, name string) (domain.Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Topic{}, domain.Invalidf("name", "must not be empty")
	}
	return c.ledger.CreateTopic(ctx, domain.Topic{Name: name})
}

// ListTopics returns all topics.
func (c *Coordinator) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	var out []domain.Topic
	err := c.retryRead(ctx, func() error {
		var err error
		out, err = c.ledger.ListTopics(ctx)
		return err
	})
	return out, err
}

// DeleteTopic removes the topic, all of its questions and every answer that
// referenced those questions. The cascade is a contract, not an accident.
func (c *Coordinator) DeleteTopic(ctx context.Context, id string) error {
	return c.ledger.DeleteTopic(ctx, id)
}

// CreateQuestion adds a question after validating text, options and the
// correct-option marker.
func (c *Coordinator) CreateQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	if err := validateQuestion(q); err != nil {
		return domain.Question{}, err
	}
	return c.ledger.CreateQuestion(ctx, q)
}

// UpdateQuestion rewrites a question in place. Answers submitted before the
// edit keep their recorded correctness; only future submissions see the new
// correct option.
func (c *Coordinator) UpdateQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	if q.ID == "" {
		return domain.Question{}, domain.Invalidf("id", "must not be empty")
	}
	if err := validateQuestion(q); err != nil {
		return domain.Question{}, err
	}
	return c.ledger.UpdateQuestion(ctx, q)
}

// DeleteQuestion removes the question and its answers.
func (c *Coordinator) DeleteQuestion(ctx context.Context, id string) error {
	return c.ledger.DeleteQuestion(ctx, id)
}

// ListQuestions returns all questions, optionally filtered by topic.
func (c *Coordinator) ListQuestions(ctx context.Context, topicID string) ([]domain.Question, error) {
	var out []domain.Question
	err := c.retryRead(ctx, func() error {
		var err error
		out, err = c.ledger.ListQuestions(ctx, topicID)
		return err
	})
	return out, err
}

func validateQuestion(q domain.Question) error {
	if strings.TrimSpace(q.TopicID) == "" {
		return domain.Invalidf("topicId", "must not be empty")
	}
	if strings.TrimSpace(q.Text) == "" {
		return domain.Invalidf("text", "must not be empty")
	}
	for _, opt := range domain.Options {
		if strings.TrimSpace(q.OptionText(opt)) == "" {
			return domain.Invalidf("option"+string(opt), "must not be empty")
		}
	}
	if !domain.ValidOption(q.CorrectOption) {
		return domain.Invalidf("correctOption", "unknown option %q", q.CorrectOption)
	}
	return nil
}
