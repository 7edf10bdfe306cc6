package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"chatbot-backend/handler"
	"chatbot-backend/internal/integrations/dialogflow"
	"chatbot-backend/internal/integrations/paramstore"
	"chatbot-backend/internal/integrations/sendgrid"
	"chatbot-backend/internal/integrations/sessiontracker"
	"chatbot-backend/internal/repository"
	"chatbot-backend/internal/usecase"
)

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	profileTable := mustEnv("PROFILE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	mailFrom := mustEnv("MAIL_FROM")
	mailFromName := os.Getenv("MAIL_FROM_NAME")
	projectID := os.Getenv("DIALOGFLOW_PROJECT_ID")
	languageCode := os.Getenv("DIALOGFLOW_LANGUAGE")
	sessionCacheAddr := os.Getenv("SESSION_CACHE_ADDR")
	sessionTTL := time.Duration(envInt("SESSION_TTL_HOURS", 24)) * time.Hour
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 256)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), profileTable)
	if err != nil {
		slog.Error("failed to create profile store", "err", err)
		os.Exit(1)
	}

	nlu, err := dialogflow.NewClient(ssmClient, paramstore.Prefixed(paramPrefix, "dialogflow-credentials"),
		dialogflow.WithProjectID(projectID),
		dialogflow.WithLanguageCode(languageCode),
	)
	if err != nil {
		slog.Error("failed to create Dialogflow client", "err", err)
		os.Exit(1)
	}

	mailer, err := sendgrid.NewClient(ssmClient, paramstore.Prefixed(paramPrefix, "sendgrid-token"), mailFrom, mailFromName)
	if err != nil {
		slog.Error("failed to create SendGrid client", "err", err)
		os.Exit(1)
	}

	var sessions usecase.SessionTracker
	if sessionCacheAddr != "" {
		tracker, err := sessiontracker.NewRedis(redis.NewClient(&redis.Options{Addr: sessionCacheAddr}), sessionTTL)
		if err != nil {
			slog.Error("failed to create session tracker", "err", err)
			os.Exit(1)
		}
		sessions = tracker
	} else {
		slog.Warn("SESSION_CACHE_ADDR not set, tracking sessions in memory")
		sessions = sessiontracker.NewMemory(sessionTTL)
	}

	// ---- Handler ----
	turnService, err := usecase.NewTurnService(nlu, store, mailer, sessions, maxMessageLen, logger)
	if err != nil {
		slog.Error("failed to create turn service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(turnService, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func logLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
