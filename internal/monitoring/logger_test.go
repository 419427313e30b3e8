package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var captured []string
	SetLogger(func(format string, v ...interface{}) {
		captured = append(captured, fmt.Sprintf(format, v...))
	})
	Logf("lost track %d after %d silent frames", 7, 12)

	if len(captured) != 1 || !strings.Contains(captured[0], "lost track 7") {
		t.Errorf("expected captured log line, got %v", captured)
	}

	// nil installs a no-op logger; Logf must stay callable.
	SetLogger(nil)
	Logf("suppressed duplicate for identity %s", "id-3")
	if len(captured) != 1 {
		t.Errorf("no-op logger should not capture, got %v", captured)
	}
}

func TestLogfDefault(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
}
