// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/acctqueue/internal/config"
	"github.com/xkilldash9x/acctqueue/internal/observability"
)

// flagKeys maps command-line flags onto their viper keys.
var flagKeys = map[string]string{
	"file":           "records.path",
	"log-level":      "logger.level",
	"log-format":     "logger.format",
	"workers":        "engine.worker_concurrency",
	"per-worker":     "engine.records_per_worker",
	"start-interval": "engine.start_interval",
	"follow":         "records.follow",
	"journal":        "journal.path",
	"store-url":      "store.url",
	"no-journal":     "",
}

// app carries the state shared by one command tree.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// NewRootCommand builds a fresh command tree with its own viper instance, so
// repeated executions never share flag or config state.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "acctqueue",
		Short:         "acctqueue drains a delimited account-record file with a pool of workers.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.StringP("file", "f", "", "record file to read (overrides records.path)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")

	rootCmd.AddCommand(
		newRunCmd(a),
		newCountCmd(a),
		newPeekCmd(a),
		newNormalizeCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree and logs a failure before returning it.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command cancelled.")
		return err
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	observability.GetLogger().Error("Command execution failed", zap.Error(err))
	return err
}

// initialize reads the config file and environment, applies flag overrides,
// and starts the logger.
func (a *app) initialize(cmd *cobra.Command) error {
	v := a.v
	config.SetDefaults(v)

	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("ACCTQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key := flagKeys[f.Name]
		if key == "" || !f.Changed || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return bindErr
	}
	if f := cmd.Flags().Lookup("no-journal"); f != nil && f.Changed {
		v.Set("journal.enabled", false)
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "acctqueue"})
		return err
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger())
	observability.GetLogger().Debug("Configuration loaded",
		zap.String("version", Version),
		zap.String("config_file", v.ConfigFileUsed()),
	)
	return nil
}
