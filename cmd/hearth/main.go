package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/papercomputeco/hearth/config"
	"github.com/papercomputeco/hearth/engine"
	"github.com/papercomputeco/hearth/pkg/logger"
	"github.com/papercomputeco/hearth/server"
)

const rootLongDesc string = `Serve a long-running chat session against a locally hosted language model.

The model is loaded in the background at startup; generation requests fail
fast with a "not loaded" response until loading completes. Configuration is
read once from a TOML file and never hot-reloaded.

Examples:
  hearth
  hearth --config hearth.toml --debug
  hearth --listen :5000 --runtime http://localhost:11434 --model llama3`

const rootShortDesc string = "Local LLM chat session server"

type serveCommander struct {
	configPath string
	listenAddr string
	runtimeURL string
	modelPath  string
	debug      bool
}

func newRootCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "hearth",
		Short: rootShortDesc,
		Long:  rootLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "hearth.toml", "Path to TOML configuration file")
	cmd.Flags().StringVar(&cmder.listenAddr, "listen", "", "Address to listen on (overrides config)")
	cmd.Flags().StringVar(&cmder.runtimeURL, "runtime", "", "Inference runtime URL (overrides config)")
	cmd.Flags().StringVar(&cmder.modelPath, "model", "", "Model to load (overrides config)")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	log := logger.NewLogger(c.debug)
	defer log.Sync()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		log.Warn("could not read configuration, using defaults", zap.Error(err))
	}
	if c.listenAddr != "" {
		cfg.ListenAddr = c.listenAddr
	}
	if c.runtimeURL != "" {
		cfg.RuntimeURL = c.runtimeURL
	}
	if c.modelPath != "" {
		cfg.ModelPath = c.modelPath
	}

	log.Info("hearth chat server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("runtime", cfg.RuntimeURL),
		zap.String("model", cfg.ModelPath),
		zap.Bool("debug", c.debug),
	)

	eng := engine.NewRuntime(cfg.RuntimeURL, cfg.ModelPath, cfg.AdapterPath, log)
	ready := &atomic.Bool{}

	srv := server.New(cfg, eng, ready, log)
	defer srv.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Model loading runs once in the background; the server answers
	// immediately and generation fails fast until the flag flips.
	g.Go(func() error {
		if err := eng.Load(ctx); err != nil {
			log.Error("model load failed, generation stays unavailable", zap.Error(err))
			return nil
		}
		ready.Store(true)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return srv.Run()
	})

	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown()
	})

	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
