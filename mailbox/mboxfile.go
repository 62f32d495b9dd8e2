package mailbox

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/rmunteanu/imap-to-excel/model"
)

type MboxOptions struct {
	// Path of the mbox archive to read.
	Path string
	// StateDir holds the sidecar processed store. An mbox file has no
	// flags of its own, so marks live next to it.
	StateDir string
}

// MboxSource reads a local mbox archive. Message identity is the sha256
// of the raw bytes; processed marks are kept in a jsonl sidecar so they
// survive between runs and can be reverted during rollback.
type MboxSource struct {
	path   string
	store  *processedStore
	logger *slog.Logger

	raw map[string][]byte // hash -> raw message, filled by ListUnprocessed
}

func OpenMbox(opts MboxOptions, logger *slog.Logger) (*MboxSource, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	store, err := newProcessedStore(opts.StateDir)
	if err != nil {
		return nil, fmt.Errorf("processed store: %w", err)
	}

	return &MboxSource{
		path:   path,
		store:  store,
		logger: logger,
		raw:    make(map[string][]byte),
	}, nil
}

// ListUnprocessed scans the archive and returns every message the
// sidecar store has not marked processed, in file order. The raw bytes
// are cached so Fetch does not rescan the file.
func (s *MboxSource) ListUnprocessed(ctx context.Context) ([]model.MessageRef, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	var refs []model.MessageRef

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("mbox message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("mbox message %d read: %w", idx, err)
		}

		sum := sha256.Sum256(raw)
		hash := base64.StdEncoding.EncodeToString(sum[:])
		if s.store.Processed(hash) {
			continue
		}

		s.raw[hash] = raw
		refs = append(refs, model.MessageRef{Hash: hash})
	}

	s.logger.Debug("mbox scanned", "path", s.path, "unprocessed", len(refs))
	return refs, nil
}

func (s *MboxSource) Fetch(ctx context.Context, ref model.MessageRef) (model.RawMessage, error) {
	raw, ok := s.raw[ref.Hash]
	if !ok {
		return model.RawMessage{}, fmt.Errorf("message %s not listed in this run", ref.Key())
	}

	msg, err := ParseRaw(raw)
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("parse message %s: %w", ref.Key(), err)
	}
	msg.Ref.Hash = ref.Hash
	return msg, nil
}

func (s *MboxSource) SetProcessedFlag(ctx context.Context, ref model.MessageRef, processed bool) error {
	return s.store.Set(ref.Hash, ref.ID, processed)
}

func (s *MboxSource) Close(ctx context.Context) error {
	return s.store.Close()
}

// processedStore persists processed marks as an append-only jsonl file;
// the last record per hash wins, so unmarking is an append too.
type processedStore struct {
	mu        sync.Mutex
	processed map[string]bool
	path      string
	file      *os.File
	writer    *bufio.Writer
}

type storeRecord struct {
	Hash      string `json:"hash"`
	MessageID string `json:"message_id,omitempty"`
	Processed bool   `json:"processed"`
}

func newProcessedStore(stateDir string) (*processedStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	store := &processedStore{
		processed: make(map[string]bool),
		path:      filepath.Join(stateDir, "processed.jsonl"),
	}

	if err := store.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(store.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	store.file = file
	store.writer = bufio.NewWriter(file)

	return store, nil
}

func (p *processedStore) load() error {
	file, err := os.Open(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record storeRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Hash == "" {
			continue
		}
		p.processed[record.Hash] = record.Processed
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	return nil
}

func (p *processedStore) Processed(hash string) bool {
	if hash == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed[hash]
}

// Set appends a mark record and flushes it, so a crash mid-run cannot
// lose a mark the orchestrator already counts on.
func (p *processedStore) Set(hash, messageID string, processed bool) error {
	if hash == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.processed[hash]; ok && current == processed {
		return nil
	}
	p.processed[hash] = processed

	data, err := json.Marshal(storeRecord{Hash: hash, MessageID: messageID, Processed: processed})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := p.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	return nil
}

func (p *processedStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}

	var firstErr error
	if err := p.writer.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := p.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	p.file = nil

	return firstErr
}
