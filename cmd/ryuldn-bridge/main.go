// Command ryuldn-bridge runs a standalone LDN proxy bridge: it connects to
// a master relay server, exposes the running session as an admin HTTP API,
// and (when configured) hosts or joins a peer-relay session directly.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryuldn-go/ryuldn-bridge/config"
)

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:   "ryuldn-bridge",
	Short: "Virtualized local-wireless bridge for LDN-compatible emulation",
	RunE:  run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigPath, "config", "ryuldn-bridge.yaml", "path to the YAML configuration file")
}

func main() {
	out := os.Stdout
	var writer zerolog.ConsoleWriter
	if isatty.IsTerminal(out.Fd()) {
		writer = zerolog.ConsoleWriter{Out: colorable.NewColorable(out), TimeFormat: time.RFC3339}
	} else {
		writer = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}
	}
	log.Logger = log.Output(writer)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("exited with error")
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	// LoggingLevel is 1 (most verbose, debug) through 5 (fatal only),
	// matching zerolog.Level's DebugLevel..FatalLevel run.
	zerolog.SetGlobalLevel(zerolog.Level(cfg.LoggingLevel - 1))
	if !cfg.LoggingEnabled {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	bridge := newBridge(*cfg, reg)
	bridge.Start()
	defer bridge.Stop()

	adminAddr := os.Getenv("RYULDN_ADMIN_ADDR")
	if adminAddr == "" {
		adminAddr = ":8787"
	}
	srv := newAdminServer(adminAddr, bridge, reg)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()
	defer srv.Close()

	log.Info().Str("server", cfg.ServerHost).Msg("bridge running")
	<-ctx.Done()
	return nil
}
