package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xhd2015/dbgwatch/config"
	"github.com/xhd2015/dbgwatch/monitor"
)

// install: go install ./cmd/dbgwatch
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the process exit code
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := monitor.ExitCodeFailure
	root := newRootCmd(stdout, &code)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return monitor.ExitCodeFailure
	}
	return code
}

func newRootCmd(console io.Writer, code *int) *cobra.Command {
	var cfgFile string
	var flags *config.Flags

	root := &cobra.Command{
		Use:           "dbgwatch",
		Short:         "Launch an app on a remote debug server and follow it until it ends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file; flags given on the command line win")
	flags = config.AddFlags(root.PersistentFlags())

	subcommand := func(m mode, short string) *cobra.Command {
		return &cobra.Command{
			Use:   m.String(),
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(cfgFile)
				if err != nil {
					return err
				}
				flags.Apply(&cfg)
				if err := cfg.Validate(m != modeSafequit); err != nil {
					return err
				}

				log, flush, err := newLogger(cfg.LogFile, cfg.LogLevel)
				if err != nil {
					return err
				}
				defer flush()
				log = log.WithValues("mode", m.String())

				outcome, err := run(cmd.Context(), m, cfg, console, log)
				if err != nil {
					log.Error(err, "Run failed")
					return err
				}
				log.Info("Run ended", "code", outcome.Code, "reason", outcome.Reason.String())
				*code = outcome.Code
				return nil
			},
		}
	}

	root.AddCommand(
		subcommand(modeAutoexit, "Launch the app and follow its events until it exits, stops or crashes"),
		subcommand(modeWaitfor, "Launch the app and poll its output, stopping it once the time to live passed"),
		subcommand(modeSafequit, "Leave the session: detach a running app, or report how it ended"),
	)
	return root
}
