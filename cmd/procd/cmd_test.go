package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"asyncproc/internal/config"
	"asyncproc/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asyncproc.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheck(t *testing.T) {
	good := writeConfig(t, `
schedules:
  - name: beat
    spec: "@every 1m"
    kind: log
`)
	if err := execute([]string{"procd", "-c", good, "check"}); err != nil {
		t.Fatalf("check good config: %v", err)
	}

	bad := writeConfig(t, `
schedules:
  - name: beat
    spec: "whenever"
    kind: log
`)
	if err := execute([]string{"procd", "-c", bad, "check"}); err == nil {
		t.Fatalf("check accepted an invalid spec")
	}
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	printHistory(&buf, &config.Config{Scheduler: config.SchedulerConfig{Timezone: "UTC"}}, []storage.JobRecord{
		{At: at, Processor: "main", Job: "rotate", Outcome: storage.OutcomeFailed, Duration: 1500 * time.Millisecond, Error: "exit status 1"},
	})
	out := buf.String()
	for _, want := range []string{"TIME", "2026-03-01 12:00:00", "rotate", "failed", "1.5s", "exit status 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
