package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chriskillpack/ecotask"
	"github.com/chriskillpack/ecotask/agent"
	"github.com/chriskillpack/ecotask/internal/config"
	"github.com/chriskillpack/ecotask/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// app carries state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *logrus.Logger
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:          "ecotask",
		Short:        "Generate weekly environmental tasks and validate proof of completion",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "Path to YAML config file")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("backend", config.BackendOpenAI, "Model backend, openai or llama")
	pf.String("llama", "", "Address of running llama server, typically http://localhost:8080")
	pf.Int("seed", 385480504, "Random seed to llama")
	pf.String("db", "", "Path to history database, empty disables history")

	a.v.BindPFlag("log.level", pf.Lookup("log-level"))
	a.v.BindPFlag("backend", pf.Lookup("backend"))
	a.v.BindPFlag("llama.server", pf.Lookup("llama"))
	a.v.BindPFlag("llama.seed", pf.Lookup("seed"))
	a.v.BindPFlag("db", pf.Lookup("db"))

	root.AddCommand(newServeCommand(a), newGenerateCommand(a))
	return root
}

func (a *app) load() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	if err := config.ReadFile(a.v, a.cfgFile); err != nil {
		return err
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = cfg.NewLogger()

	if cfg.Backend == config.BackendOpenAI && cfg.OpenAIKey == "" {
		a.log.Warn("no OpenAI API key configured, model calls will fail")
	}
	return nil
}

// newService builds the service for the configured backend. The returned func
// releases the history database, if any.
func (a *app) newService(ctx context.Context) (*ecotask.Service, func(), error) {
	cfg := a.cfg

	eio := ecotask.InitOptions{
		HttpClient: &http.Client{
			Timeout: cfg.ModelTimeout,
		},
	}
	switch cfg.Backend {
	case config.BackendOpenAI:
		eio.OpenAI = true
		eio.OpenAIKey = cfg.OpenAIKey
		eio.OpenAIBaseURL = cfg.OpenAIBaseURL
		eio.RequestsPerMinute = cfg.RequestsPerMinute
		eio.MaxRetries = cfg.MaxRetries
	case config.BackendLlama:
		eio.LlamaServer = cfg.LlamaServer
		eio.LlamaSeed = cfg.LlamaSeed
		eio.LlamaStream = cfg.LlamaStream
	}

	e, err := ecotask.Init(eio)
	if err != nil {
		return nil, nil, err
	}

	var db *ecotask.DB
	if cfg.DB != "" {
		if db, err = ecotask.NewDB(ctx, cfg.DB); err != nil {
			return nil, nil, err
		}
	}

	svc := ecotask.NewService(e.Completer, ecotask.ServiceOptions{
		Personas:     agent.NewPersonas(cfg.Models),
		CreatePolicy: cfg.CreatePolicy,
		DB:           db,
		Logger:       a.log,
		Metrics:      metrics.Default(),
	})

	a.log.WithFields(logrus.Fields{
		"backend":       svc.Backend(),
		"create_policy": cfg.CreatePolicy.String(),
		"history":       db != nil,
	}).Info("service ready")

	cleanup := func() {
		if db != nil {
			db.Close()
		}
	}
	return svc, cleanup, nil
}

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, cleanup, err := a.newService(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
			srv := NewServer(svc, a.log, metrics.Default(), addr)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				a.log.Info("shutting down")

				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})

			if err := g.Wait(); err != nil {
				a.log.WithError(err).Error("server exited")
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("host", "0.0.0.0", "Interface to listen on")
	f.Int("port", 8000, "Port to listen on")
	a.v.BindPFlag("host", f.Lookup("host"))
	a.v.BindPFlag("port", f.Lookup("port"))

	return cmd
}
