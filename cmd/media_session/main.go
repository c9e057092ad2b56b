// Команда media_session собирает медиа сессию по файлу треков поверх
// графа в памяти и печатает получившуюся топологию.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/arzzra/media_session/pkg/handshake"
	"github.com/arzzra/media_session/pkg/media_graph"
	"github.com/arzzra/media_session/pkg/session"
)

var baseFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "debug",
		Usage:   "включить отладочный лог",
		EnvVars: []string{"MEDIA_SESSION_DEBUG"},
	},
}

func main() {
	app := &cli.App{
		Name:  "media_session",
		Usage: "сборка защищенной медиа сессии",
		Flags: baseFlags,
		Before: func(c *cli.Context) error {
			level := slog.LevelInfo
			if c.Bool("debug") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "plan",
				Usage:  "собрать сессию по файлу треков и напечатать топологию",
				Action: planSession,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "путь к YAML конфигурации сессии",
					},
					&cli.StringFlag{
						Name:     "tracks",
						Usage:    "путь к YAML файлу треков",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "не отправлять датаграммы запуска",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "адрес HTTP для /metrics, сессия держится до сигнала",
					},
				},
			},
			{
				Name:   "handshake",
				Usage:  "отправить одну датаграмму запуска",
				Action: sendHandshake,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "server",
						Usage:    "адрес сервера",
						Required: true,
					},
					&cli.IntFlag{
						Name:     "port",
						Usage:    "порт сервера",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "local-port",
						Usage: "локальный порт отправки (0 - любой)",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "таймаут отправки",
						Value: handshake.DefaultTimeout,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func planSession(c *cli.Context) error {
	config := session.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := session.LoadConfig(path)
		if err != nil {
			return err
		}
		config = loaded
	}
	tracks, err := loadTracks(c.String("tracks"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	config.Metrics = session.NewMetrics(reg, "media")
	config.Logger = slog.Default()
	if c.Bool("dry-run") {
		config.Notifier = &dryRunNotifier{logger: slog.Default()}
	}

	s, err := assemble(c.Context, config, tracks, c.App.Writer)
	if err != nil {
		return err
	}
	defer s.Teardown()

	addr := c.String("metrics-addr")
	if addr == "" {
		return nil
	}
	return serveMetrics(c.Context, addr, reg)
}

// assemble создает сессию поверх графа в памяти, передает ей треки,
// выполняет попытку завершения и печатает состояние и топологию
func assemble(ctx context.Context, config session.Config, tracks *trackFile, out io.Writer) (*session.Session, error) {
	graph := media_graph.New()
	config.OnStatus = func(state session.State, message string) {
		fmt.Fprintf(out, "# %s: %s\n", state, message)
	}

	s, err := session.New(graph, config)
	if err != nil {
		return nil, err
	}
	if err := tracks.submit(s); err != nil {
		_ = s.Teardown()
		return nil, err
	}

	state, err := s.AttemptSessionCompletion(ctx)
	if err == nil && tracks.RTSP != "" {
		_, err = s.PlayRTSP(tracks.RTSP)
	}
	fmt.Fprintf(out, "state: %s\n", state)
	fmt.Fprint(out, graph.Topology())
	if err != nil {
		_ = s.Teardown()
		return nil, err
	}
	return s, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Метрики доступны", slog.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func sendHandshake(c *cli.Context) error {
	config := handshake.DefaultConfig()
	config.Timeout = c.Duration("timeout")

	notifier, err := handshake.NewNotifier(config, slog.Default())
	if err != nil {
		return err
	}
	if err := notifier.NotifyStart(c.Context, c.String("server"), c.Int("port"), c.Int("local-port")); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "sent %q\n", handshake.Payload)
	return nil
}
