package main

import (
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/baxromumarov/stackful"
	"github.com/baxromumarov/stackful/trace"
)

const envLogLevel = "STACKFUL_LOG_LEVEL"

var rootCmd = &cobra.Command{
	Use:           "stackful",
	Short:         "Drive and inspect the stackful fiber runtime",
	Long:          `stackful runs fork-join workloads on a fiber pool and decodes recorded lifecycle traces.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			color.NoColor = true
		}
	},
}

func main() {
	rootCmd.AddCommand(skynetCmd)
	rootCmd.AddCommand(sortCmd)
	rootCmd.AddCommand(traceCmd)

	rootCmd.PersistentFlags().String("config", "", "pool configuration file (.toml, .yaml, .json)")
	rootCmd.PersistentFlags().Int("workers", 0, "number of workers (overrides config; 0 keeps the default)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error); env "+envLogLevel)
	rootCmd.PersistentFlags().String("trace", "", "record lifecycle events to this msgpack file")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initLogger(level string, noColor bool) (zerolog.Logger, error) {
	if level == "" {
		level = os.Getenv(envLogLevel)
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), err
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "stackful").Logger(), nil
}

// openPool builds a pool from the persistent flags. The returned close func
// shuts the pool down and then flushes the trace recorder, if any.
func openPool(cmd *cobra.Command) (*stackful.Pool, zerolog.Logger, func() error, error) {
	flags := cmd.Flags()
	level, _ := flags.GetString("log-level")
	noColor, _ := flags.GetBool("no-color")
	log, err := initLogger(level, noColor)
	if err != nil {
		return nil, log, nil, err
	}

	opts := []stackful.Option{stackful.WithLogger(log)}
	if path, _ := flags.GetString("config"); path != "" {
		cfg, err := stackful.LoadConfig(path)
		if err != nil {
			return nil, log, nil, err
		}
		fileOpts, err := cfg.Options()
		if err != nil {
			return nil, log, nil, err
		}
		opts = append(opts, fileOpts...)
		log.Info().Str("path", path).Msg("loaded pool config")
	}
	if n, _ := flags.GetInt("workers"); n > 0 {
		opts = append(opts, stackful.WithWorkers(n))
	}

	var rec *trace.Recorder
	if path, _ := flags.GetString("trace"); path != "" {
		rec, err = trace.CreateRecorder(path)
		if err != nil {
			return nil, log, nil, err
		}
		opts = append(opts, stackful.WithSink(rec))
	}

	p := stackful.NewPool(opts...)
	closeFn := func() error {
		err := p.Close()
		if rec != nil {
			if rerr := rec.Close(); rerr != nil {
				log.Error().Err(rerr).Msg("failed to write trace")
			}
		}
		return err
	}
	return p, log, closeFn, nil
}
