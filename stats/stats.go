package stats

import (
	"sync"
)

type EventType string

const (
	EventTypeListed       EventType = "listed"
	EventTypeFetched      EventType = "fetched"
	EventTypeFetchError   EventType = "fetch_error"
	EventTypeFiltered     EventType = "filtered"
	EventTypeExtracted    EventType = "extracted"
	EventTypeMatched      EventType = "matched"
	EventTypeConfirmed    EventType = "confirmed"
	EventTypeConfirmError EventType = "confirm_error"
	EventTypeRolledBack   EventType = "rolled_back"
)

type Event struct {
	Type      EventType
	MessageID string
	Err       error
}

type Summary struct {
	Listed        int
	Fetched       int
	FetchErrors   int
	Filtered      int
	Extracted     int
	Matched       int
	Confirmed     int
	ConfirmErrors int
	RolledBack    int
	LastError     error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"fetched", s.Fetched,
		"fetchErrors", s.FetchErrors,
		"filtered", s.Filtered,
		"extracted", s.Extracted,
		"matched", s.Matched,
		"confirmed", s.Confirmed,
		"confirmErrors", s.ConfirmErrors,
	}
	if s.RolledBack > 0 {
		attrs = append(attrs, "rolledBack", s.RolledBack)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates per-run counters. A run is sequential, but the
// lock keeps Snapshot safe to call from anywhere.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed++
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeFetchError:
		c.summary.FetchErrors++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeMatched:
		c.summary.Matched++
	case EventTypeConfirmed:
		c.summary.Confirmed++
	case EventTypeConfirmError:
		c.summary.ConfirmErrors++
	case EventTypeRolledBack:
		c.summary.RolledBack++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}
