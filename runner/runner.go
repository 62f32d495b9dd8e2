// Package runner drives one export run through its stages: fetch,
// extract, snapshot, append, confirm. Everything after the snapshot is
// transactional; a failure restores the artifact and unflags whatever
// was flagged, so a failed run leaves mailbox and artifact as they were.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmunteanu/imap-to-excel/columns"
	"github.com/rmunteanu/imap-to-excel/extract"
	"github.com/rmunteanu/imap-to-excel/filter"
	"github.com/rmunteanu/imap-to-excel/mailbox"
	"github.com/rmunteanu/imap-to-excel/model"
	"github.com/rmunteanu/imap-to-excel/schema"
	"github.com/rmunteanu/imap-to-excel/stats"
)

// Sink is the tabular artifact a run commits to.
type Sink interface {
	// Snapshot captures the pre-run artifact state; callable when the
	// artifact does not exist yet.
	Snapshot() (model.BackupHandle, error)
	// Restore puts the artifact back into the snapshotted state.
	Restore(model.BackupHandle) error
	// Discard releases a snapshot after a successful run.
	Discard(model.BackupHandle) error
	// Append writes rows under the given column order, creating the
	// artifact with a header when absent.
	Append(rows []model.Row, columnOrder []string) (string, error)
}

type Options struct {
	// Limit caps how many messages one run considers; 0 means all.
	Limit int
	// DryRun fetches and extracts but commits nothing: no snapshot,
	// no append, no flags.
	DryRun bool
}

// Runner executes export runs. One run at a time; the source and the
// sink are owned exclusively for the duration of Run.
type Runner struct {
	source    mailbox.Source
	sink      Sink
	schema    *schema.Schema
	filter    *filter.Filter
	opts      Options
	logger    *slog.Logger
	collector *stats.Collector
}

func New(source mailbox.Source, sink Sink, s *schema.Schema, f *filter.Filter, opts Options, logger *slog.Logger) *Runner {
	return &Runner{
		source:    source,
		sink:      sink,
		schema:    s,
		filter:    f,
		opts:      opts,
		logger:    logger,
		collector: stats.NewCollector(),
	}
}

// Summary returns the counters of the last run.
func (r *Runner) Summary() stats.Summary {
	return r.collector.Snapshot()
}

// Run executes one batch to completion. The context is checked between
// stages; cancellation after the snapshot still takes the rollback
// branch so no partial append survives.
func (r *Runner) Run(ctx context.Context) (model.RunResult, error) {
	started := time.Now()
	result := model.RunResult{RunID: uuid.New().String()}
	logger := r.logger.With("run", result.RunID)

	fail := func(err error) (model.RunResult, error) {
		result.Duration = time.Since(started)
		return result, err
	}

	// FETCHING
	refs, err := r.source.ListUnprocessed(ctx)
	if err != nil {
		return fail(fmt.Errorf("list unprocessed: %w", err))
	}
	if r.opts.Limit > 0 && len(refs) > r.opts.Limit {
		refs = refs[:r.opts.Limit]
	}
	for range refs {
		r.collector.Record(stats.Event{Type: stats.EventTypeListed})
	}
	logger.Info("fetching messages", "listed", len(refs))

	fetched := make([]model.RawMessage, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		msg, err := r.source.Fetch(ctx, ref)
		if err != nil {
			// Per-message fetch errors are not fatal to the run.
			logger.Warn("fetch failed, message skipped", "message", ref.Key(), "err", err)
			r.collector.Record(stats.Event{Type: stats.EventTypeFetchError, MessageID: ref.Key(), Err: err})
			continue
		}
		if msg.Ref.UID == 0 {
			msg.Ref.UID = ref.UID
		}
		if msg.Ref.Hash == "" {
			msg.Ref.Hash = ref.Hash
		}
		if r.filter != nil && r.filter.Active() && !r.filter.Allows(msg) {
			logger.Debug("message rejected by filter", "message", msg.Ref.Key())
			r.collector.Record(stats.Event{Type: stats.EventTypeFiltered, MessageID: msg.Ref.Key()})
			continue
		}
		r.collector.Record(stats.Event{Type: stats.EventTypeFetched, MessageID: msg.Ref.Key()})
		fetched = append(fetched, msg)
	}
	result.Count = len(fetched)

	// EXTRACTING
	extractor := extract.New(r.schema)
	var rows []model.Row
	for _, msg := range fetched {
		row := extractor.Extract(msg)
		r.collector.Record(stats.Event{Type: stats.EventTypeExtracted, MessageID: msg.Ref.Key()})
		if !r.schema.RowHasFields(row) {
			logger.Debug("no fields matched", "message", msg.Ref.Key(), "subject", msg.Subject)
			continue
		}
		r.collector.Record(stats.Event{Type: stats.EventTypeMatched, MessageID: msg.Ref.Key()})
		rows = append(rows, row)
	}

	if r.opts.DryRun {
		for _, row := range rows {
			logger.Info("dry-run row", "row", fmt.Sprintf("%v", row))
		}
		logger.Info("dry run complete, nothing committed", "messages", len(fetched), "rows", len(rows))
		result.Success = true
		result.Duration = time.Since(started)
		return result, nil
	}

	if len(rows) == 0 {
		// Valid outcome, not a failure. The messages are still
		// confirmed so the next run does not refetch them.
		r.confirm(ctx, fetched, logger)
		logger.Info("no rows to export", "messages", len(fetched))
		result.Success = true
		result.Duration = time.Since(started)
		return result, nil
	}

	// SNAPSHOTTING
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	handle, err := r.sink.Snapshot()
	if err != nil {
		return r.rollback(ctx, result, started, nil, nil, fmt.Errorf("snapshot artifact: %w", err))
	}

	// APPENDING
	if err := ctx.Err(); err != nil {
		return r.rollback(ctx, result, started, &handle, nil, err)
	}
	order := columns.Resolve(r.schema, columns.Observed(rows))
	path, err := r.sink.Append(rows, order)
	if err != nil {
		return r.rollback(ctx, result, started, &handle, nil, fmt.Errorf("append rows: %w", err))
	}
	result.ArtifactPath = path

	// CONFIRMING
	if err := ctx.Err(); err != nil {
		return r.rollback(ctx, result, started, &handle, nil, err)
	}
	flagged := r.confirm(ctx, fetched, logger)
	if err := ctx.Err(); err != nil {
		return r.rollback(ctx, result, started, &handle, flagged, err)
	}

	// DONE
	if err := r.sink.Discard(handle); err != nil {
		logger.Warn("discard snapshot failed", "err", err)
	}

	result.Success = true
	result.Duration = time.Since(started)
	logger.Info("run complete", "messages", len(fetched), "rows", len(rows), "artifact", path, "duration", result.Duration)
	return result, nil
}

// confirm flags the given messages as processed. Best-effort per
// message: a failed flag is a warning, never a run failure.
func (r *Runner) confirm(ctx context.Context, msgs []model.RawMessage, logger *slog.Logger) []model.MessageRef {
	flagged := make([]model.MessageRef, 0, len(msgs))
	for _, msg := range msgs {
		if err := r.source.SetProcessedFlag(ctx, msg.Ref, true); err != nil {
			logger.Warn("mark processed failed", "message", msg.Ref.Key(), "err", err)
			r.collector.Record(stats.Event{Type: stats.EventTypeConfirmError, MessageID: msg.Ref.Key(), Err: err})
			continue
		}
		r.collector.Record(stats.Event{Type: stats.EventTypeConfirmed, MessageID: msg.Ref.Key()})
		flagged = append(flagged, msg.Ref)
	}
	return flagged
}

// rollback undoes this run's committed side effects: the artifact is
// restored (or deleted if the run created it) and every flag set this
// run is removed. Compensation runs on a non-cancelable context so the
// cancellation that caused the rollback cannot also abort it.
func (r *Runner) rollback(ctx context.Context, result model.RunResult, started time.Time, handle *model.BackupHandle, flagged []model.MessageRef, cause error) (model.RunResult, error) {
	logger := r.logger.With("run", result.RunID)
	logger.Error("run failed, rolling back", "err", cause)
	r.collector.Record(stats.Event{Type: stats.EventTypeRolledBack, Err: cause})

	undoCtx := context.WithoutCancel(ctx)

	if handle != nil {
		if err := r.sink.Restore(*handle); err != nil {
			logger.Error("artifact restore failed", "err", err)
		}
	}
	for _, ref := range flagged {
		if err := r.source.SetProcessedFlag(undoCtx, ref, false); err != nil {
			// Logged only; unflag is best-effort during compensation.
			logger.Warn("unflag failed during rollback", "message", ref.Key(), "err", err)
		}
	}

	result.Success = false
	result.ArtifactPath = ""
	result.Duration = time.Since(started)
	return result, cause
}
