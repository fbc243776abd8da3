package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ssechat/internal/chat"
	"ssechat/internal/config"
	"ssechat/internal/console"
	"ssechat/internal/logger"
	"ssechat/internal/sse"
)

var rootCmd = &cobra.Command{
	Use:   "ssechat",
	Short: "Terminal client for the SSE chat",
	RunE:  runChat,
}

var (
	flagServer   string
	flagUser     string
	flagPassword string
	flagRender   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServer, "server", "", "chat server base URL (overrides CHAT_SERVER_URL)")
	flags.StringVar(&flagUser, "user", "", "basic auth user (overrides CHAT_USER)")
	flags.StringVar(&flagPassword, "password", "", "basic auth password (overrides CHAT_PASSWORD)")
	flags.StringVar(&flagRender, "render", "", "how to render incoming messages: escape, sanitize or raw (overrides CHAT_RENDER)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat command")
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagUser != "" {
		cfg.User = flagUser
	}
	if flagPassword != "" {
		cfg.Password = flagPassword
	}
	if flagRender != "" {
		cfg.Render = flagRender
	}
	render, err := chat.ParseRenderPolicy(cfg.Render)
	if err != nil {
		return err
	}

	// ログは画面を汚さないよう stderr へ
	logger.Init(cfg.Log, os.Stderr)
	lg := logger.New("chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui := console.New(os.Stdout)

	subOpts := []sse.Option{
		sse.WithLogger(logger.New("sse")),
		sse.WithBackoff(sse.Backoff{
			Initial:     cfg.ReconnectInitial,
			Max:         cfg.ReconnectMax,
			Multiplier:  2,
			MaxAttempts: cfg.ReconnectAttempts,
		}),
	}
	chatOpts := []chat.Option{chat.WithLogger(lg), chat.WithRender(render)}
	if cfg.User != "" {
		subOpts = append(subOpts, sse.WithBasicAuth(cfg.User, cfg.Password))
		chatOpts = append(chatOpts, chat.WithBasicAuth(cfg.User, cfg.Password))
	}

	listener := chat.NewListener(sse.NewSubscriber(cfg.ServerURL+chat.EventsPath, subOpts...), ui, chatOpts...)
	sender := chat.NewSender(cfg.ServerURL, ui, chatOpts...)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- listener.Run(ctx)
		stop()
	}()

	lg.Info().Str("server", cfg.ServerURL).Str("render", render.String()).Msg("connected, type a message and press enter")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// 入力欄は1つなので、前の送信が確定してから次の行を送る
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			ui.SetInputValue(line)
			<-sender.Send(ctx)
		}
	}
	stop()

	if err := <-listenErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
