package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriterBackendFormatsAndFilters(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewWriter(&buf, "INFO")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	l := b.GetLogger("test/module")
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked through INFO filter: %q", out)
	}
	if !strings.Contains(out, "INFO test/module: shown 2") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := New("", "LOUD", false); err == nil {
		t.Fatal("expected error for invalid level")
	}
	if ValidLevel("loud") || !ValidLevel("debug") {
		t.Fatal("ValidLevel disagrees with New")
	}
}

func TestGoLogger(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewWriter(&buf, "DEBUG")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	b.GetGoLogger("http", "WARNING").Printf("listener hiccup\n")
	if !strings.Contains(buf.String(), "WARN http: listener hiccup") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
