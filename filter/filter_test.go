package filter

import (
	"testing"

	"github.com/rmunteanu/imap-to-excel/model"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"Subject: Comanda"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	match := model.RawMessage{From: "sender@example.com", Subject: "Comanda Auto Total", Body: "body"}
	if !f.Allows(match) {
		t.Error("Expected message to be allowed (header matches)")
	}

	noMatch := model.RawMessage{From: "sender@example.com", Subject: "Other", Body: "body"}
	if f.Allows(noMatch) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeHeader: []string{"spam"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	normal := model.RawMessage{From: "sender@example.com", Subject: "Normal Message"}
	if !f.Allows(normal) {
		t.Error("Expected message to be allowed (no spam)")
	}

	spam := model.RawMessage{From: "spammer@example.com", Subject: "This is spam"}
	if f.Allows(spam) {
		t.Error("Expected message to be filtered out (contains spam)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	}
	if _, err := New(opts); err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if f.Active() {
		t.Error("Active() = true with no patterns configured")
	}

	msg := model.RawMessage{Subject: "Any Message", Body: "Any body content"}
	if !f.Allows(msg) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	opts := Options{
		IncludeBody: []string{"important"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	match := model.RawMessage{Subject: "Message", Body: "This is an important message"}
	if !f.Allows(match) {
		t.Error("Expected message to be allowed (body matches)")
	}

	noMatch := model.RawMessage{Subject: "Message", Body: "This is a regular message"}
	if f.Allows(noMatch) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}
