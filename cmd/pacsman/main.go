// Command pacsman queries, retrieves and stores DICOM studies through any of
// the pacs.Client backends.
//
// Configuration comes from an optional YAML file, PACSMAN_* environment
// variables (a .env file in the working directory is loaded first) and the
// override flags below, in increasing precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caio-sobreiro/pacsman/config"
	"github.com/caio-sobreiro/pacsman/factory"
	"github.com/caio-sobreiro/pacsman/logging"
	"github.com/caio-sobreiro/pacsman/pacs"
)

const usage = `Usage: pacsman [flags] <command> [args]

Commands:
  echo                               verify the PACS answers C-ECHO
  patients [query]                   search patients by ID or name
  studies [filters]                  list matching studies
  series <study-uid>                 list the series of a study
  instances <study-uid> <series-uid> list the instances of a series
  retrieve <study-uid> [series-uid [sop-uid]]
                                     retrieve into a directory
  store <file>...                    store Part 10 files
  thumbnail <study-uid> <series-uid> [sop-uid]
                                     render a PNG thumbnail

Flags:
`

var (
	successColor = color.New(color.FgGreen, color.Bold)
	failureColor = color.New(color.FgRed, color.Bold)
)

type app struct {
	client pacs.Client
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"echo":      runEcho,
	"patients":  runPatients,
	"studies":   runStudies,
	"series":    runSeries,
	"instances": runInstances,
	"retrieve":  runRetrieve,
	"store":     runStore,
	"thumbnail": runThumbnail,
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command line and returns the process exit code: 0 on
// success, 1 when the command fails and 2 on usage errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("pacsman", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}

	configPath := flags.String("config", os.Getenv("PACSMAN_CONFIG"), "YAML configuration file")
	backend := flags.String("backend", "", "backend: network-toolkit, protocol-library or filesystem")
	host := flags.String("host", "", "PACS host")
	port := flags.Int("port", 0, "PACS port")
	calledAE := flags.String("aet", "", "called AE title")
	callingAE := flags.String("calling-aet", "", "calling AE title")
	root := flags.String("root", "", "root directory of the filesystem backend")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn or error")

	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}
	cmd, ok := commands[flags.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", flags.Arg(0))
		flags.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		failureColor.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	override(&cfg.Backend, *backend)
	override(&cfg.Host, *host)
	override(&cfg.CalledAETitle, *calledAE)
	override(&cfg.CallingAETitle, *callingAE)
	override(&cfg.Root, *root)
	override(&cfg.Log.Level, *logLevel)
	if *port != 0 {
		cfg.Port = *port
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		Rotation: logging.FileWriterConfig{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
		Console: zapcore.AddSync(stderr),
	})
	if err != nil {
		failureColor.Fprintf(stderr, "Error: failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	client, err := factory.New(cfg, logger)
	if err != nil {
		failureColor.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close client", zap.Error(err))
		}
	}()

	a := &app{client: client, logger: logger, stdout: stdout, stderr: stderr}
	if err := cmd(ctx, a, flags.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) || errors.Is(err, errUsage) {
			return 2
		}
		failureColor.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func override(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
