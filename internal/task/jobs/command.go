package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

const defaultOutputLimit = 64 << 10

// Result describes a finished command.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Command runs an external process and suspends the job until it exits.
//
// The process runs on its own; the processor only waits on its exit. When
// Timeout elapses the job stops waiting and, with KillOnTimeout, the
// process is killed.
type Command struct {
	Name string
	// Key merges equal commands while queued. Nil keys the job by its pointer.
	Key           any
	Path          string
	Args          []string
	Dir           string
	Env           []string
	Timeout       time.Duration
	KillOnTimeout bool
	// OutputLimit caps the captured combined output. 0 applies 64 KiB.
	OutputLimit int
	Log         logx.Logger
	// OnExit receives the outcome, including timeouts and start failures.
	OnExit func(Result)

	mu      sync.Mutex
	cmd     *exec.Cmd
	out     *capped
	started time.Time
	exited  chan struct{}
	waitErr error
	result  *Result
}

func (c *Command) JobKey() any { return c.Key }

func (c *Command) JobName() string {
	if c.Name != "" {
		return c.Name
	}
	return "command:" + c.Path
}

func (c *Command) Step(ctx context.Context) (engine.Yield, error) {
	c.mu.Lock()
	started := c.cmd != nil
	c.mu.Unlock()
	if !started {
		if err := c.start(); err != nil {
			c.finish(Result{ExitCode: -1, Err: err})
			return engine.Finish(), fmt.Errorf("start %s: %w", c.Path, err)
		}
		timeout := engine.Infinite
		if c.Timeout > 0 {
			timeout = c.Timeout
		}
		return engine.AwaitTimeout(c.exited, timeout), nil
	}

	res := c.collect()
	c.finish(res)
	if res.Err != nil {
		return engine.Finish(), fmt.Errorf("%s: %w", c.JobName(), res.Err)
	}
	return engine.Finish(), nil
}

func (c *Command) start() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("empty command path")
	}
	limit := c.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	out := &capped{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return err
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.cmd, c.out, c.exited, c.started = cmd, out, exited, time.Now()
	c.mu.Unlock()

	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.waitErr = err
		c.mu.Unlock()
		close(exited)
	}()
	c.Log.Debug("command started", logx.String("job", c.JobName()), logx.Int("pid", cmd.Process.Pid))
	return nil
}

func (c *Command) collect() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{Output: c.out.String(), Duration: time.Since(c.started)}
	if c.cmd.ProcessState != nil {
		res.ExitCode = c.cmd.ProcessState.ExitCode()
	}
	if c.waitErr != nil {
		res.Err = c.waitErr
	}
	return res
}

// TimeoutFired is called on the processor goroutine when the command
// outlived Timeout.
func (c *Command) TimeoutFired() {
	c.mu.Lock()
	cmd := c.cmd
	res := Result{ExitCode: -1, TimedOut: true, Duration: time.Since(c.started)}
	if c.out != nil {
		res.Output = c.out.String()
	}
	c.mu.Unlock()

	c.Log.Warn("command timed out", logx.String("job", c.JobName()), logx.Duration("timeout", c.Timeout), logx.Bool("kill", c.KillOnTimeout))
	if c.KillOnTimeout && cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.Log.Warn("command kill failed", logx.String("job", c.JobName()), logx.Err(err))
		}
	}
	c.finish(res)
}

// Result returns the outcome once the job completed.
func (c *Command) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return Result{}, false
	}
	return *c.result, true
}

func (c *Command) finish(res Result) {
	c.mu.Lock()
	if c.result != nil {
		c.mu.Unlock()
		return
	}
	c.result = &res
	c.mu.Unlock()
	if c.OnExit != nil {
		c.OnExit(res)
	}
}

// capped keeps the first limit bytes written to it.
type capped struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
	trunc bool
}

func (b *capped) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.trunc = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *capped) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trunc {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
