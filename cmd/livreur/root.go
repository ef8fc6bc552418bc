package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/els-fr/livreur/internal/conf"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliEnv is the state every subcommand starts from.
type cliEnv struct {
	configFile string
	settings   *conf.Settings
	log        logger.Logger
	flush      func()
}

func newRootCmd() *cobra.Command {
	rt := &cliEnv{flush: func() {}}

	root := &cobra.Command{
		Use:           "livreur",
		Short:         "Offline proof-of-delivery client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.load(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			rt.flush()
		},
	}
	root.PersistentFlags().StringVar(&rt.configFile, "config", "", "config file (default ./config.yaml or $HOME/.config/livreur/config.yaml)")

	root.AddCommand(
		newServeCmd(rt),
		newSubmitCmd(rt),
		newQueueCmd(rt),
		newStubBackendCmd(rt),
	)
	return root
}

// load reads settings and sets up logging and error reporting.
func (rt *cliEnv) load(logOut io.Writer) error {
	settings, err := conf.Load(rt.configFile)
	if err != nil {
		return err
	}
	rt.settings = settings
	rt.log = logger.NewSlogLoggerWithOptions(logOut, logger.ParseLevel(settings.Log.Level), logger.Options{
		JSON: settings.Log.Format == "json",
	})

	flush, err := telemetry.Init(telemetry.Config{
		DSN:         settings.Telemetry.SentryDSN,
		Environment: settings.Telemetry.Environment,
		Release:     "livreur@" + version,
	}, rt.log)
	if err != nil {
		rt.log.Warn("error reporting unavailable", logger.Error(err))
	}
	rt.flush = flush
	return nil
}
