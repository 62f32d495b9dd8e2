package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmunteanu/imap-to-excel/config"
	"github.com/rmunteanu/imap-to-excel/excel"
	"github.com/rmunteanu/imap-to-excel/filter"
	"github.com/rmunteanu/imap-to-excel/mailbox"
	"github.com/rmunteanu/imap-to-excel/runner"
	"github.com/rmunteanu/imap-to-excel/schema"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imap-to-excel",
		Short: "Extract fields from unread mail and append them to an Excel artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-to-excel", "schema", cfg.SchemaPath, "output", cfg.OutputPath, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	sch, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return fmt.Errorf("schema.Load: %w", err)
	}

	flt, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	source, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(ctx); err != nil {
			logger.Warn("source close failed", "err", err)
		}
	}()

	outputPath := cfg.OutputPath
	if cfg.Timestamped {
		outputPath = excel.TimestampedPath(outputPath, time.Now())
	}
	sink := excel.NewSink(outputPath, logger)

	r := runner.New(source, sink, sch, flt, runner.Options{
		Limit:  cfg.Limit,
		DryRun: cfg.DryRun,
	}, logger)

	result, err := r.Run(ctx)
	summary := r.Summary()
	attrs := append(summary.LogAttrs(), "duration", result.Duration)

	if err != nil {
		logger.Error("run failed", append(attrs, "err", err)...)
		return err
	}

	if result.ArtifactPath != "" {
		logger.Info("run succeeded", append(attrs, "artifact", result.ArtifactPath)...)
	} else {
		logger.Info("run succeeded, no rows exported", attrs...)
	}
	return nil
}

func openSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (mailbox.Source, error) {
	if cfg.MboxPath != "" {
		source, err := mailbox.OpenMbox(mailbox.MboxOptions{
			Path:     cfg.MboxPath,
			StateDir: cfg.StateDir,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("mailbox.OpenMbox: %w", err)
		}
		return source, nil
	}

	source, err := mailbox.DialIMAP(ctx, mailbox.IMAPOptions{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Mailbox:            cfg.Mailbox,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("mailbox.DialIMAP: %w", err)
	}
	return source, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-to-excel-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
