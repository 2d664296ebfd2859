package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/R4f0so/quiz-corp/internal/app"
	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
	pgstore "github.com/R4f0so/quiz-corp/internal/infra/postgres"
	pgmigrations "github.com/R4f0so/quiz-corp/internal/infra/postgres/migrations"
	redisstore "github.com/R4f0so/quiz-corp/internal/infra/redis"
)

func TestQuizLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := openBun(t, ctx, pgURL)
	defer db.Close()

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	broker := fanout.NewBroker()
	ledger := pgstore.NewLedger(db, broker)
	bank := redisstore.NewQuestionBank(redisClient, pgstore.NewQuestionLoader(pool), 5*time.Minute)
	coordinator := app.NewCoordinator(ledger, bank, app.Options{Logger: zerolog.Nop()})

	topic, err := coordinator.CreateTopic(ctx, "history")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	question, err := coordinator.CreateQuestion(ctx, domain.Question{
		TopicID:       topic.ID,
		Text:          "In which year did the war end?",
		OptionA:       "1943",
		OptionB:       "1944",
		OptionC:       "1945",
		OptionD:       "1946",
		CorrectOption: domain.OptionC,
	})
	if err != nil {
		t.Fatalf("create question: %v", err)
	}

	alice, err := coordinator.Login(ctx, "2024101", "A")
	if err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if !alice.Created {
		t.Fatalf("expected first login to register alice")
	}
	// Re-login with a known key resumes the row instead of registering.
	resumed, err := coordinator.Login(ctx, "2024101", "")
	if err != nil {
		t.Fatalf("re-login alice: %v", err)
	}
	if resumed.Created || resumed.Participant.ID != alice.Participant.ID {
		t.Fatalf("expected resume of alice's row, got %+v", resumed)
	}
	bob, err := coordinator.Login(ctx, "2024102", "B")
	if err != nil {
		t.Fatalf("login bob: %v", err)
	}
	if !bob.Created {
		t.Fatalf("expected fresh registration for bob")
	}

	if _, err := coordinator.StartQuiz(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := coordinator.SubmitAnswer(ctx, alice.Participant.ID, question.ID, domain.OptionC)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.IsCorrect || result.NewScore != 100 {
		t.Fatalf("expected correct answer worth 100, got %+v", result)
	}

	// Resubmission must not double-score.
	if _, err := coordinator.SubmitAnswer(ctx, alice.Participant.ID, question.ID, domain.OptionC); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected ErrDuplicateAnswer, got %v", err)
	}

	wrong, err := coordinator.SubmitAnswer(ctx, bob.Participant.ID, question.ID, domain.OptionA)
	if err != nil {
		t.Fatalf("submit wrong: %v", err)
	}
	if wrong.IsCorrect || wrong.NewScore != 0 {
		t.Fatalf("expected zero points for wrong answer, got %+v", wrong)
	}

	participants, err := coordinator.ListParticipants(ctx)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	totals := coordinator.TeamTotals(participants)
	if totals["A"].Score != 100 || totals["A"].Count != 1 {
		t.Fatalf("expected team A at 100 with 1 member, got %+v", totals["A"])
	}
	if totals["B"].Score != 0 || totals["B"].Count != 1 {
		t.Fatalf("expected team B at 0 with 1 member, got %+v", totals["B"])
	}

	if _, err := coordinator.EndQuiz(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}

	sess, err := coordinator.ResetQuiz(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sess.Phase != domain.PhaseWaiting {
		t.Fatalf("expected waiting after reset, got %s", sess.Phase)
	}

	participants, err = coordinator.ListParticipants(ctx)
	if err != nil {
		t.Fatalf("list after reset: %v", err)
	}
	if len(participants) != 0 {
		t.Fatalf("expected registry wiped after reset, got %d participants", len(participants))
	}

	// Question content survives a reset.
	questions, err := coordinator.ListQuestions(ctx, topic.ID)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(questions) != 1 {
		t.Fatalf("expected question to survive reset, got %d", len(questions))
	}
}

func TestChangeRelayAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requireDocker(t)

	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	brokerA := fanout.NewBroker()
	brokerB := fanout.NewBroker()
	relayA := redisstore.NewRelay(redisClient, brokerA, zerolog.Nop())
	relayB := redisstore.NewRelay(redisClient, brokerB, zerolog.Nop())
	go func() { _ = relayA.Run(ctx) }()
	go func() { _ = relayB.Run(ctx) }()
	time.Sleep(300 * time.Millisecond)

	events, cancelSub := brokerB.Subscribe(domain.TableParticipants)
	defer cancelSub()

	brokerA.Publish(domain.ChangeEvent{
		Table: domain.TableParticipants,
		Op:    domain.OpInsert,
		After: domain.Row(domain.Participant{ID: "p1", ExternalKey: "2024103", Team: "A"}),
	})

	select {
	case ev := <-events:
		if ev.Op != domain.OpInsert || ev.Origin != relayA.Origin() {
			t.Fatalf("unexpected relayed event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected relayed participant event on second instance")
	}
}

func openBun(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
