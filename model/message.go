package model

import "time"

// MessageRef is an opaque handle to a message in its source, usable to
// fetch it and to toggle its processed flag later.
type MessageRef struct {
	// UID is set for IMAP-backed sources.
	UID uint32
	// Hash identifies messages in file-backed sources (sha256, base64).
	Hash string
	// ID is the Message-Id header, kept for logging.
	ID string
}

// Key returns the ref's identity for logging and bookkeeping.
func (r MessageRef) Key() string {
	if r.Hash != "" {
		return r.Hash
	}
	if r.ID != "" {
		return r.ID
	}
	return ""
}

// RawMessage is one fetched message. Immutable once fetched. Date holds
// the origin timestamp exactly as the source supplied it; normalization
// happens during extraction.
type RawMessage struct {
	Ref     MessageRef
	From    string
	Subject string
	Body    string
	Date    string
}

// Row maps output column names to extracted values (string or int).
// Columns with no match are absent, not empty.
type Row map[string]any

// BackupHandle is a point-in-time copy of the artifact taken before a
// run's append. It is consumed exactly once: discarded on success,
// restored on rollback. Never reused across runs.
type BackupHandle struct {
	// ArtifactPath is the artifact the handle belongs to.
	ArtifactPath string
	// CopyPath is the byte copy of the artifact; empty when the
	// artifact did not exist at snapshot time.
	CopyPath string
	// Existed records whether the artifact existed before the run.
	Existed bool
}

// RunResult is the terminal outcome of one orchestration pass.
type RunResult struct {
	RunID        string
	Success      bool
	ArtifactPath string
	Count        int
	Duration     time.Duration
}
