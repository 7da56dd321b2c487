package service

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestHashReaderDeterministic(t *testing.T) {
	content := []byte("Budget: $10,000")

	h1, err := HashReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	h2, err := HashReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if h1 != h2 {
		t.Errorf("Expected identical digests, got %s and %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(h1))
	}
}

func TestHashReaderDiffersOnContent(t *testing.T) {
	h1, _ := HashReader(strings.NewReader("document one"))
	h2, _ := HashReader(strings.NewReader("document two"))
	if h1 == h2 {
		t.Error("Expected different digests for different content")
	}
}

func TestHashBytesMatchesReader(t *testing.T) {
	content := []byte("same bytes")
	h1 := HashBytes(content)
	h2, err := HashReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Expected HashBytes and HashReader to agree, got %s vs %s", h1, h2)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestHashReaderIOError(t *testing.T) {
	if _, err := HashReader(failingReader{}); err == nil {
		t.Error("Expected error from failing reader")
	}
}
