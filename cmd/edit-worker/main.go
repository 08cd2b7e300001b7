package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/webordinary/edit-worker/internal/config"
	"github.com/webordinary/edit-worker/internal/journal"
	"github.com/webordinary/edit-worker/internal/pump"
	"github.com/webordinary/edit-worker/internal/worker"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `edit-worker claims a (project, user) pair and runs its edit sessions

Usage:
  edit-worker run [flags]   Start the worker

Flags:
  --config   Path to a YAML config overlay (env: EDIT_WORKER_CONFIG)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "run":
		err = runWorker(rest)
	case "--version", "version":
		fmt.Println("edit-worker " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "edit-worker %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runWorker(args []string) error {
	configPath := os.Getenv("EDIT_WORKER_CONFIG")
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	clients := worker.Clients{
		SQS:    sqs.NewFromConfig(awsCfg),
		Dynamo: dynamodb.NewFromConfig(awsCfg),
		SFN:    sfn.NewFromConfig(awsCfg),
		S3:     s3.NewFromConfig(awsCfg),
	}

	// The journal is diagnostics only; a worker without one still runs.
	var events pump.Journal
	if j, err := journal.Open(cfg.JournalPath); err != nil {
		logger.Warn("journal unavailable", "path", cfg.JournalPath, "error", err)
	} else {
		defer j.Close()
		events = j
	}

	w := worker.New(cfg, clients, events, logger)
	logger.Info("edit-worker starting", "version", version, "worker_id", w.ID())

	if err := w.Run(ctx); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "\nshutting down...")
	return nil
}
