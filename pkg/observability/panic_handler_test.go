package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "background tick")
		panic("boom")
	}()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Errorf("Expected panic to be logged, got %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("Expected panic value in log, got %q", out)
	}
	if !strings.Contains(out, "background tick") {
		t.Errorf("Expected operation name in log, got %q", out)
	}
}
