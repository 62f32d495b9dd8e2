// Package mailbox provides the message sources of the pipeline. A
// Source lists unprocessed messages, fetches them, and toggles their
// processed marks; the orchestrator never sees protocol details.
package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/rmunteanu/imap-to-excel/model"
)

// Source is a mailbox the orchestrator can drain. Implementations:
// IMAPSource (live mailbox) and MboxSource (local archive with a
// sidecar processed store).
type Source interface {
	// ListUnprocessed returns refs of every message not yet marked
	// processed, in mailbox order.
	ListUnprocessed(ctx context.Context) ([]model.MessageRef, error)
	// Fetch retrieves and parses one message.
	Fetch(ctx context.Context, ref model.MessageRef) (model.RawMessage, error)
	// SetProcessedFlag marks or unmarks one message as processed.
	// Marks are independent per message.
	SetProcessedFlag(ctx context.Context, ref model.MessageRef, processed bool) error
	// Close releases the source; it must be called on every exit path.
	Close(ctx context.Context) error
}

// ParseRaw decodes an RFC 822 message into the fields extraction needs:
// decoded From and Subject, the first non-attachment text/plain body
// part, and the Date header verbatim.
func ParseRaw(raw []byte) (model.RawMessage, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return model.RawMessage{}, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	header := mr.Header

	subject, err := header.Subject()
	if err != nil {
		// Encoded-word decoding failed; keep the raw value.
		subject = header.Get("Subject")
	}

	from := header.Get("From")
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].String()
	}

	msg := model.RawMessage{
		From:    from,
		Subject: strings.TrimSpace(subject),
		Date:    strings.TrimSpace(header.Get("Date")),
	}

	id := strings.Trim(strings.TrimSpace(header.Get("Message-Id")), "<>")
	if id == "" {
		id = strings.Trim(strings.TrimSpace(header.Get("Message-ID")), "<>")
	}
	msg.Ref.ID = id

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part must not lose the whole message.
			break
		}
		inline, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		if contentType != "" && contentType != "text/plain" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		msg.Body = string(body)
		break
	}

	return msg, nil
}
