package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/R4f0so/quiz-corp/internal/domain"
)

// QuestionLoader reads the question bank from Postgres over a pgx pool. It
// backs the cached QuestionBank on the participant read path, keeping hot
// question fetches off the bun write handle.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadQuestions(ctx context.Context) ([]domain.Question, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, topic_id, question_text, option_a, option_b, option_c, option_d, correct_option, created_at
		FROM questions
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		var q domain.Question
		var correct string
		if err := rows.Scan(&q.ID, &q.TopicID, &q.Text, &q.OptionA, &q.OptionB, &q.OptionC, &q.OptionD, &correct, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.CorrectOption = domain.Option(correct)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	return out, nil
}
