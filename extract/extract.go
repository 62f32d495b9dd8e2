// Package extract turns raw messages into rows of output columns using
// the field config's patterns, and stamps the two system columns on
// every row.
package extract

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/rmunteanu/imap-to-excel/model"
	"github.com/rmunteanu/imap-to-excel/schema"
)

// DateLayout is the canonical representation written to the date column.
const DateLayout = "2006-01-02 15:04:05"

// Extractor applies one schema to the messages of a single run. The
// order-number counter is per-run state: it starts at 1 and advances
// once per message, in supply order, regardless of how many fields
// matched.
type Extractor struct {
	schema *schema.Schema
	next   int
	now    func() time.Time
}

func New(s *schema.Schema) *Extractor {
	return &Extractor{schema: s, next: 1, now: time.Now}
}

// Extract produces the row for one message. Columns whose pattern did
// not match are absent from the row. The system columns are always set.
func (e *Extractor) Extract(msg model.RawMessage) model.Row {
	seq := e.next
	e.next++

	row := model.Row{}
	text := msg.Subject + "\n" + msg.Body

	for _, rule := range e.schema.Rules() {
		if rule.IsSystem || rule.Pattern == nil || rule.OutputColumn == "" {
			continue
		}
		match := rule.Pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		if len(match) > 1 {
			row[rule.OutputColumn] = match[1]
		} else {
			row[rule.OutputColumn] = match[0]
		}
	}

	row[e.schema.OrderColumn()] = seq
	row[e.schema.DateColumn()] = e.normalizeDate(msg.Date)

	return row
}

// zoneComment matches a trailing parenthetical zone name, e.g.
// "Mon, 20 Aug 2025 10:30:00 +0200 (CEST)".
var zoneComment = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

// Layouts tried after the RFC 5322 grammar fails. Deliberately
// permissive: a malformed date must never abort extraction.
var fallbackLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.ANSIC,
	DateLayout,
	"2006-01-02",
}

// normalizeDate degrades gracefully: RFC 5322 parse with the zone
// comment stripped, then permissive layouts, then the raw string
// verbatim, and the current time when no date was supplied at all.
func (e *Extractor) normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return e.now().Format(DateLayout)
	}

	stripped := zoneComment.ReplaceAllString(raw, "")
	if t, err := mail.ParseDate(stripped); err == nil {
		return t.Format(DateLayout)
	}

	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, stripped); err == nil {
			return t.Format(DateLayout)
		}
	}

	return raw
}
