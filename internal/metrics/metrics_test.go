package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveAttempt(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveAttempt("smtp:primary", errors.New("refused"), time.Second)
	m.ObserveAttempt("smtp:primary", nil, time.Second)
	m.ObserveAttempt("sendmail", nil, time.Millisecond)
	m.ObserveAttempt("sendmail", nil, time.Millisecond)

	tests := []struct {
		transport, result string
		want              float64
	}{
		{"smtp:primary", ResultFailure, 1},
		{"smtp:primary", ResultSuccess, 1},
		{"sendmail", ResultSuccess, 2},
		{"sendmail", ResultFailure, 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.attempts.WithLabelValues(tt.transport, tt.result))
		if got != tt.want {
			t.Errorf("attempts{%s,%s}: got %v, want %v", tt.transport, tt.result, got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Errorf("duration series: got %d, want 2", n)
	}
}

func TestObserveSend(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveSend(nil)
	m.ObserveSend(errors.New("all transports failed"))
	m.ObserveSend(nil)

	if got := testutil.ToFloat64(m.sends.WithLabelValues(ResultSuccess)); got != 2 {
		t.Errorf("success: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sends.WithLabelValues(ResultFailure)); got != 1 {
		t.Errorf("failure: got %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveAttempt("smtp", nil, time.Second)
	m.ObserveSend(nil)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("WriteTextfile: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveSend(nil)

	path := filepath.Join(t.TempDir(), "threadmail.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `threadmail_messages_total{result="success"} 1`) {
		t.Errorf("textfile missing counter:\n%s", data)
	}

	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "dir", "x.prom")); err == nil {
		t.Error("expected error for unwritable path")
	}
}
