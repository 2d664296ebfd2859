package cli

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/R4f0so/quiz-corp/internal/app"
	"github.com/R4f0so/quiz-corp/internal/config"
	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
	"github.com/R4f0so/quiz-corp/internal/infra/memory"
	pgstore "github.com/R4f0so/quiz-corp/internal/infra/postgres"
	redisstore "github.com/R4f0so/quiz-corp/internal/infra/redis"
	transport "github.com/R4f0so/quiz-corp/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz coordinator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	presenceTTL := config.TTLDuration(cfg.Redis.PresenceTTL, time.Minute)

	broker := fanout.NewBroker()

	var ledger app.Ledger
	var loader memory.QuestionLoader
	if cfg.Postgres.URL != "" {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		db := bun.NewDB(sqldb, pgdialect.New())
		defer db.Close()

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		ledger = pgstore.NewLedger(db, broker)
		loader = pgstore.NewQuestionLoader(pool)
	} else {
		memLedger := memory.NewLedger(broker)
		ledger = memLedger
		loader = memory.NewLedgerLoader(memLedger)
	}

	questionTTL := config.TTLDuration(cfg.Quiz.QuestionTTL, 10*time.Minute)
	var bank app.QuestionBank
	if redisClient != nil {
		bank = redisstore.NewQuestionBank(redisClient, loader, questionTTL)
	} else {
		bank = memory.NewQuestionBank(loader, questionTTL)
	}

	var presence transport.PresenceMarker
	if redisClient != nil {
		presence = redisstore.NewPresence(redisClient, presenceTTL)

		relay := redisstore.NewRelay(redisClient, broker, logger)
		relayCtx, cancelRelay := context.WithCancel(ctx)
		defer cancelRelay()
		go func() {
			if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
				logger.Error().Err(err).Msg("change relay stopped")
			}
		}()
	}

	teams := make([]domain.Team, 0, len(cfg.Quiz.Teams))
	for _, t := range cfg.Quiz.Teams {
		teams = append(teams, domain.Team(t))
	}
	coordinator := app.NewCoordinator(ledger, bank, app.Options{
		Teams:            teams,
		PointsPerCorrect: cfg.Quiz.PointsPerCorrect,
		Logger:           logger,
	})

	api := transport.NewAPIHandler(coordinator, logger)
	ws := transport.NewWSHandler(coordinator, presence, logger)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(api, ws),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info().Str("port", finalPort).Msg("starting quiz coordinator")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info().Msg("shutting down server")
	case <-ctx.Done():
		logger.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
