package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "asyncproc/pkg/logx"
)

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", " none "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: store=%v err=%v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path accepted")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "nested", "history.db")
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })

			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := range 5 {
				r := JobRecord{
					At:        base.Add(time.Duration(i) * time.Second),
					Processor: "main",
					Job:       fmt.Sprintf("job-%d", i),
					Outcome:   OutcomeFinished,
					Priority:  "normal",
					Duration:  time.Duration(i) * time.Millisecond,
				}
				if i == 3 {
					r.Outcome, r.Error = OutcomeFailed, "exit status 1"
				}
				if err := st.AppendJob(ctx, r); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.RecentJobs(ctx, 3)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 3 || got[0].Job != "job-4" || got[2].Job != "job-2" {
				t.Fatalf("recent=%+v", got)
			}
			failed := got[1]
			if failed.Outcome != OutcomeFailed || failed.Error != "exit status 1" || failed.Duration != 3*time.Millisecond {
				t.Fatalf("failed record=%+v", failed)
			}
			if !failed.At.Equal(base.Add(3 * time.Second)) {
				t.Fatalf("at=%v", failed.At)
			}

			if all, _ := st.RecentJobs(ctx, 100); len(all) != 5 {
				t.Fatalf("len=%d want 5", len(all))
			}
			if none, err := st.RecentJobs(ctx, 0); err != nil || len(none) != 0 {
				t.Fatalf("limit 0: %v %v", none, err)
			}

			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := st.AppendJob(ctx, JobRecord{Job: "late"}); err == nil {
				t.Fatalf("append after close succeeded")
			}
		})
	}
}

func TestFileStoreSkipsTornLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "h.log")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.AppendJob(ctx, JobRecord{Job: "a", Outcome: OutcomeFinished}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(filepath.Dir(path), "h.jobs.jsonl"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{\"job\":\"tor")
	_ = f.Close()

	got, err := st.RecentJobs(ctx, 10)
	if err != nil || len(got) != 1 || got[0].Job != "a" {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestSQLitePrunesToKeepRows(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "h.db"), KeepRows: 2}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	s := st.(*sqliteStore)
	ctx := context.Background()
	for i := range 4 {
		if err := s.AppendJob(ctx, JobRecord{Processor: "p", Job: fmt.Sprint(i), Outcome: OutcomeFinished}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.prune(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := s.RecentJobs(ctx, 10)
	if err != nil || len(got) != 2 || got[0].Job != "3" || got[1].Job != "2" {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}
