package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitVerifyFailed    = 2
	exitInvalidInput    = 6
	exitConfiguration   = 7
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// cli carries per-invocation state so commands can be built and run
// repeatedly in tests.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	verbose    bool
	exitCode   int
	// started flips once a command body runs; errors before that are usage errors.
	started bool
}

func run(arguments []string, stdout, stderr io.Writer) int {
	app := &cli{stdout: stdout, stderr: stderr}
	root := app.rootCommand()
	root.SetArgs(arguments)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fallback := exitInternalFailure
		if !app.started {
			fallback = exitInvalidInput
		}
		return app.writeError(err, fallback)
	}
	return app.exitCode
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "shomer",
		Short:         "Shomer keeps custody of fetched web content",
		Long:          "Shomer fetches pages, quarantines PII in an encrypted vault, records a hash-chained custody log and produces signed evidence packs.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.started = true
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $SHOMER_CONFIG or config.yaml)")
	root.PersistentFlags().BoolVar(&c.verbose, "verbose", false, "debug logging on stderr")

	root.AddCommand(
		c.ingestCommand(),
		c.verifyCommand(),
		c.inspectCommand(),
		c.keysCommand(),
		c.vaultCommand(),
		c.custodyCommand(),
		c.caseCommand(),
		c.doctorCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Args:  cobra.NoArgs,
			Run: func(*cobra.Command, []string) {
				_, _ = fmt.Fprintln(c.stdout, "shomer", version)
			},
		},
	)
	return root
}

func (c *cli) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
}
