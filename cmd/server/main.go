package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ssechat/internal/config"
	"ssechat/internal/handler"
	"ssechat/internal/logger"
	"ssechat/internal/relay"
	"ssechat/internal/sse"
	"ssechat/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ssechat-server",
	Short: "SSE chat server",
	RunE:  runServer,
}

var (
	flagEnvFile string
	flagPort    string
	flagStore   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEnvFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&flagPort, "port", "", "listen port (overrides SERVER_PORT)")
	flags.StringVar(&flagStore, "store", "", "history store: memory, mysql or pebble (overrides STORE_DRIVER)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute server command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// .envファイルを読み込み
	envErr := godotenv.Load(flagEnvFile)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagPort != "" {
		cfg.ServerPort = flagPort
	}
	if flagStore != "" {
		cfg.StoreDriver = flagStore
	}

	logger.Init(cfg.Log, os.Stdout)
	lg := logger.New("server")
	if envErr != nil {
		lg.Warn().Err(envErr).Msg("⚠️  .env file not found, using default values")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 履歴ストアを初期化
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			lg.Warn().Err(err).Msg("store close error")
		}
	}()

	broker := sse.NewBroker(sse.Config{
		Retry:  cfg.Retry,
		Buffer: cfg.BufferSize,
		Logger: logger.New("sse"),
	})

	h := handler.New(cfg, broker, st, logger.New("http"))
	h.RegisterHooks()

	// クラスタ中継 (NATS_URL があるときだけ)
	var nodeRelay *relay.NATS
	if cfg.NatsURL != "" {
		rl, err := relay.Connect(cfg.NatsURL, cfg.NatsSubject, uuid.NewString(), logger.New("relay"))
		if err != nil {
			return err
		}
		if err := rl.Subscribe(h.DeliverRemote); err != nil {
			rl.Close()
			return err
		}
		lg.Info().Str("node", rl.Node()).Str("subject", cfg.NatsSubject).Msg("relay joined")
		h.Relay = rl
		nodeRelay = rl
	}

	// WebSocket ブロードキャスターを開始
	go h.HandleBroadcast()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(h.SetupRouter()),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	printBanner(cfg)

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	lg.Info().Msg("🚀 Server started successfully")

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-errc:
	}

	// ストリームを先に閉じないと Shutdown が終わらない
	broker.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(sctx)
	if shutdownErr != nil {
		lg.Error().Err(shutdownErr).Msg("http server shutdown error")
	}
	if nodeRelay != nil {
		if err := nodeRelay.Close(); err != nil {
			lg.Warn().Err(err).Msg("relay close error")
		}
	}
	// 配送元が全て止まってからブロードキャストを閉じる (タイムアウト時は残ったハンドラがまだ送る)
	if shutdownErr == nil {
		close(h.Broadcast)
	}

	if listenErr != nil {
		return fmt.Errorf("listen: %w", listenErr)
	}
	lg.Info().Msg("shutdown complete")
	return nil
}

func printBanner(cfg config.Config) {
	fmt.Println("========================================")
	fmt.Println("  ssechat Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  Events: http://localhost:%s/events/\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	fmt.Printf("  Store: %s\n", cfg.StoreDriver)
	if cfg.StoreDriver == "mysql" {
		fmt.Printf("  Database: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	if cfg.NatsURL != "" {
		fmt.Printf("  Relay: %s (%s)\n", cfg.NatsURL, cfg.NatsSubject)
	}
	if len(cfg.Accounts) > 0 {
		fmt.Printf("  Basic auth: %d accounts\n", len(cfg.Accounts))
	}
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")
}
