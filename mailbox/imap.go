package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/rmunteanu/imap-to-excel/model"
)

type IMAPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	DialAttempts       uint
}

// IMAPSource drains unseen-and-unflagged messages from one IMAP
// mailbox. The processed mark is the flag pair \Seen \Flagged, so a
// confirmed message drops out of the next run's search.
type IMAPSource struct {
	opts   IMAPOptions
	client *imapclient.Client
	logger *slog.Logger
}

var processedFlags = []imapv2.Flag{imapv2.FlagSeen, imapv2.FlagFlagged}

// DialIMAP connects, logs in and selects the configured mailbox. The
// returned source owns the connection; Close logs out.
func DialIMAP(ctx context.Context, opts IMAPOptions, logger *slog.Logger) (*IMAPSource, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	attempts := opts.DialAttempts
	if attempts == 0 {
		attempts = 3
	}

	var client *imapclient.Client
	err := retry.Do(
		func() error {
			var err error
			if opts.UseTLS {
				client, err = imapclient.DialTLS(address, options)
			} else {
				client, err = imapclient.DialInsecure(address, options)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	mbx := opts.Mailbox
	if mbx == "" {
		mbx = "INBOX"
	}
	if _, err := client.Select(mbx, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return nil, fmt.Errorf("select mailbox %s: %w", mbx, err)
	}

	logger.Debug("imap connection established", "address", address, "user", opts.Username, "mailbox", mbx, "tls", opts.UseTLS)

	return &IMAPSource{opts: opts, client: client, logger: logger}, nil
}

// ListUnprocessed searches the selected mailbox for messages that are
// neither seen nor flagged.
func (s *IMAPSource) ListUnprocessed(ctx context.Context) ([]model.MessageRef, error) {
	criteria := &imapv2.SearchCriteria{
		NotFlag: processedFlags,
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unprocessed: %w", err)
	}

	uids := data.AllUIDs()
	refs := make([]model.MessageRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, model.MessageRef{UID: uint32(uid)})
	}

	s.logger.Debug("unprocessed messages listed", "count", len(refs))
	return refs, nil
}

// Fetch retrieves the full message body by UID and parses it.
func (s *IMAPSource) Fetch(ctx context.Context, ref model.MessageRef) (model.RawMessage, error) {
	section := &imapv2.FetchItemBodySection{}
	fetchOpts := &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(ref.UID)), fetchOpts).Collect()
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("fetch uid %d: %w", ref.UID, err)
	}
	if len(msgs) == 0 {
		return model.RawMessage{}, fmt.Errorf("fetch uid %d: no data returned", ref.UID)
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return model.RawMessage{}, fmt.Errorf("fetch uid %d: body section missing", ref.UID)
	}

	msg, err := ParseRaw(raw)
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("parse uid %d: %w", ref.UID, err)
	}
	msg.Ref.UID = ref.UID
	return msg, nil
}

// SetProcessedFlag stores or removes the processed flag pair.
func (s *IMAPSource) SetProcessedFlag(ctx context.Context, ref model.MessageRef, processed bool) error {
	op := imapv2.StoreFlagsAdd
	if !processed {
		op = imapv2.StoreFlagsDel
	}

	store := &imapv2.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  processedFlags,
	}
	if err := s.client.Store(imapv2.UIDSetNum(imapv2.UID(ref.UID)), store, nil).Close(); err != nil {
		return fmt.Errorf("store flags uid %d: %w", ref.UID, err)
	}
	return nil
}

// Close logs out and drops the connection. Safe to call once on every
// exit path.
func (s *IMAPSource) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	defer func() {
		_ = s.client.Close()
		s.client = nil
	}()

	if ctx.Err() == nil {
		if err := s.client.Logout().Wait(); err != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	return nil
}
