// Command pacs_server serves a directory of DICOM files as a small PACS:
// C-ECHO, C-FIND, C-GET, C-MOVE and C-STORE over the filesystem backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/pacsman/backend/filesystem"
	"github.com/caio-sobreiro/pacsman/config"
	"github.com/caio-sobreiro/pacsman/logging"
	"github.com/caio-sobreiro/pacsman/server"
	"github.com/caio-sobreiro/pacsman/services"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
	}

	port := flag.Int("port", config.ParseIntEnv("PACS_SERVER_PORT", 11112), "port to listen on")
	aeTitle := flag.String("ae", config.GetEnvOrDefault("PACS_SERVER_AE_TITLE", "ARCHIVE"), "AE title of this archive")
	root := flag.String("root", config.GetEnvOrDefault("PACSMAN_ROOT", ""), "directory holding the DICOM files")
	overwrite := flag.Bool("overwrite", false, "let C-STORE replace existing instances")
	destinations := flag.String("destinations", os.Getenv("PACS_SERVER_DESTINATIONS"), "C-MOVE destinations as AE=host:port, comma separated")
	logLevel := flag.String("log-level", config.GetEnvOrDefault("PACSMAN_LOG_LEVEL", "info"), "log level")
	logFile := flag.String("log-file", os.Getenv("PACSMAN_LOG_FILE"), "rotating JSON log file")
	dev := flag.Bool("dev", false, "colored console logs")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *logLevel, File: *logFile, Development: *dev})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *root == "" {
		logger.Fatal("A root directory is required (-root or PACSMAN_ROOT)")
	}
	dests, err := parseDestinations(*destinations)
	if err != nil {
		logger.Fatal("Invalid destinations", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, logger, *aeTitle, *port, *root, *overwrite, dests); err != nil {
		logger.Error("Server stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func serve(ctx context.Context, logger *zap.Logger, aeTitle string, port int, root string, overwrite bool, dests map[string]string) error {
	backend := filesystem.New(filesystem.Options{
		Root:      root,
		Overwrite: overwrite,
		Logger:    logger,
	})
	defer backend.Close()

	if _, err := backend.Echo(ctx); err != nil {
		return err
	}

	var opts []services.ArchiveOption
	for ae, addr := range dests {
		opts = append(opts, services.WithDestination(ae, addr))
	}
	archive := services.NewArchive(aeTitle, backend, logging.Slog(logger.Named("archive")), opts...)

	address := net.JoinHostPort("", fmt.Sprint(port))
	logger.Info("Starting archive",
		zap.String("ae_title", aeTitle),
		zap.String("address", address),
		zap.String("root", root),
		zap.Int("destinations", len(dests)))

	err := server.ListenAndServe(ctx, address, aeTitle, archive.Registry(),
		server.WithLogger(logging.Slog(logger.Named("server"))),
		server.WithAbstractSyntaxes(archive.AcceptAbstractSyntax))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// parseDestinations reads "AE=host:port" pairs separated by commas.
func parseDestinations(s string) (map[string]string, error) {
	dests := make(map[string]string)
	for pair := range strings.SplitSeq(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ae, addr, ok := strings.Cut(pair, "=")
		ae = strings.TrimSpace(ae)
		addr = strings.TrimSpace(addr)
		if !ok || ae == "" || addr == "" {
			return nil, fmt.Errorf("destination %q: want AE=host:port", pair)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("destination %s: %w", ae, err)
		}
		if len(ae) > 16 {
			return nil, fmt.Errorf("destination %s: AE title longer than 16 characters", ae)
		}
		dests[ae] = addr
	}
	return dests, nil
}
