package monitor

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// waitForLogs polls until the async saves have landed in the database.
func waitForLogs(t *testing.T, m *Monitor, want int) []RequestLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs := m.Logs(100, 0)
		if len(logs) >= want {
			return logs
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d persisted logs, got %d", want, len(logs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMonitorRecordStatsAndClear(t *testing.T) {
	m, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m.Record(RequestLog{Method: "POST", URL: "/v1/chat/completions", Status: 200, Model: "gpt-5.2", Timestamp: 100})
	m.Record(RequestLog{Method: "POST", URL: "/v1/chat/completions", Status: 502, Error: "upstream boom", Timestamp: 200})
	m.Record(RequestLog{Method: "POST", URL: "/v1/chat/completions", Status: 200, Timestamp: 300})

	stats := m.Stats()
	if stats.TotalRequests != 3 || stats.SuccessCount != 2 || stats.ErrorCount != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	logs := waitForLogs(t, m, 3)
	if logs[0].Timestamp != 300 || logs[2].Timestamp != 100 {
		t.Fatalf("logs not newest first: %+v", logs)
	}
	for _, l := range logs {
		if l.ID == "" {
			t.Fatal("expected generated log id")
		}
	}

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s := m.Stats(); s.TotalRequests != 0 || s.SuccessCount != 0 || s.ErrorCount != 0 {
		t.Fatalf("stats not reset: %+v", s)
	}
	if logs := m.Logs(100, 0); len(logs) != 0 {
		t.Fatalf("expected no logs after clear, got %d", len(logs))
	}
}

func TestMonitorTruncatesLongErrors(t *testing.T) {
	m, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m.Record(RequestLog{Status: 500, Error: strings.Repeat("x", MaxErrorSize+500)})

	logs := waitForLogs(t, m, 1)
	if !strings.HasSuffix(logs[0].Error, "...[truncated]") {
		t.Fatalf("expected truncated error, got %d bytes", len(logs[0].Error))
	}
	if len(logs[0].Error) > MaxErrorSize+len("...[truncated]") {
		t.Fatalf("error not bounded: %d bytes", len(logs[0].Error))
	}
}

func TestMonitorReloadsStatsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.db")

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.Record(RequestLog{Status: 200})
	m.Record(RequestLog{Status: 429})
	waitForLogs(t, m, 2)

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	stats := reopened.Stats()
	if stats.TotalRequests != 2 || stats.SuccessCount != 1 || stats.ErrorCount != 1 {
		t.Fatalf("unexpected reloaded stats %+v", stats)
	}
}
