package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/internal/logging"
	"github.com/timzifer/shdr_adapter/processor"
	"github.com/timzifer/shdr_adapter/service"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("shdr_adapter", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	cfgPath := flags.StringP("config", "c", "config.yaml", "Path to configuration file or directory")
	configCheck := flags.Bool("config-check", false, "Compile the configuration, print a report and exit")
	healthcheck := flags.Bool("healthcheck", false, "Validate the configuration and exit with its status")
	logLevel := flags.String("log-level", "", "Override the configured log level")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected argument: %s\n", flags.Arg(0))
		return 2
	}
	if *logLevel != "" {
		if _, err := logging.ParseLevel(*logLevel); err != nil {
			fmt.Fprintf(stderr, "invalid --log-level: %v\n", err)
			return 2
		}
	}

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(stderr, "health check failed: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	if *configCheck {
		return executeConfigCheck(cfg, stdout, stderr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	proc, err := processor.New(ctx,
		processor.WithConfigPath(*cfgPath, registerSIGHUP(ctx)),
		processor.WithConfig(cfg),
		processor.WithLogLevel(*logLevel),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to start: %v\n", err)
		return 1
	}
	defer proc.Close()

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("adapter stopped with error")
		return 1
	}
	log.Info().Msg("adapter stopped")
	return 0
}

// registerSIGHUP triggers a reload whenever the process receives SIGHUP.
func registerSIGHUP(ctx context.Context) func(processor.ReloadFunc) {
	return func(reload processor.ReloadFunc) {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := reload(ctx); err != nil {
						log.Error().Err(err).Msg("reload on SIGHUP failed")
					}
				}
			}
		}()
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config, stdout, stderr io.Writer) int {
	reports, err := service.Analyze(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if len(reports) == 0 {
		fmt.Fprintln(stdout, "No devices configured.")
		return 0
	}

	exitCode := 0
	for _, report := range reports {
		fmt.Fprintf(stdout, "Device %q\n", report.ID)
		if module := describeModule(report.Source); module != "" {
			fmt.Fprintf(stdout, "  Module: %s\n", module)
		}
		fmt.Fprintf(stdout, "  Driver: %s\n", report.Driver)
		fmt.Fprintf(stdout, "  Listen: %s\n", report.Listen)
		if len(report.Outputs) > 0 {
			fmt.Fprintln(stdout, "  Outputs:")
		}
		for _, output := range report.Outputs {
			category := output.Category
			if category == "" {
				category = "EVENT"
			}
			fmt.Fprintf(stdout, "    - %s (%s, %s) <- %s\n", output.Key, category, output.Kind, strings.Join(output.DependsOn, ", "))
			for _, key := range output.Missing {
				fmt.Fprintf(stdout, "      warning: MissingDataItem %s\n", key)
			}
		}
		if len(report.Errors) > 0 {
			exitCode = 1
			fmt.Fprintln(stdout, "  Errors:")
			for _, msg := range report.Errors {
				fmt.Fprintf(stdout, "    - %s\n", msg)
			}
		} else {
			fmt.Fprintln(stdout, "  Status: OK")
		}
		fmt.Fprintln(stdout)
	}

	if exitCode == 0 {
		fmt.Fprintln(stdout, "Configuration check completed successfully.")
	} else {
		fmt.Fprintln(stdout, "Configuration check completed with errors.")
	}
	return exitCode
}

func describeModule(ref config.ModuleReference) string {
	switch {
	case ref.Name != "" && ref.File != "":
		return fmt.Sprintf("%s (%s)", ref.Name, ref.File)
	case ref.Name != "":
		return ref.Name
	default:
		return ref.File
	}
}
