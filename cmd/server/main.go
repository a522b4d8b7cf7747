package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/guildhall-io/guildhall/internal/agent"
	"github.com/guildhall-io/guildhall/internal/api"
	"github.com/guildhall-io/guildhall/internal/config"
	"github.com/guildhall-io/guildhall/internal/database"
	"github.com/guildhall-io/guildhall/internal/rag"
	"github.com/guildhall-io/guildhall/internal/realtime"
	"github.com/guildhall-io/guildhall/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configPath     string
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "", "database connection string")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[guildhall] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal("load .env:", err)
	}

	cfg, err := config.Load(configPath, addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgGuildhallRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	broker := realtime.NewBroker(logger, statsUpdater)
	feed := realtime.NewFeedStore(logger, dbConn, broker)

	embedder := rag.NewHTTPEmbedder(cfg.AI.EmbeddingsURL, cfg.AI.APIKey, cfg.AI.EmbeddingModel)
	docs, err := rag.OpenDocStore(cfg.AI.DocStorePath, embedder, logger)
	if err != nil {
		logger.Fatal("open doc store:", err)
	}
	defer func() {
		if err := docs.Close(); err != nil {
			logger.Println("doc store close:", err)
		}
	}()

	agentClient := agent.NewClient(logger, agent.Config{
		BaseURL: cfg.AI.AgentURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.AgentModel,
	})

	srv := api.NewGuildhallApp(mux, logger, broker, feed, docs, agentClient, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go broker.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down broker...")
	if err := broker.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("broker shutdown:", err)
	}

	logger.Println("shutdown complete")
}
