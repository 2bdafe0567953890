package videoimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	defaultYtdlpPath = "yt-dlp"

	// DefaultFormatSelector prefers 720p+ mp4 video with m4a audio.
	DefaultFormatSelector = "bestvideo[height>=720][ext=mp4]+bestaudio[ext=m4a]/best[height>=720][ext=mp4]/best[ext=mp4]/best"

	defaultStopGrace = 5 * time.Second
	maxStderrBytes   = 64 * 1024
)

// SourceFunc builds the command whose stdout is the media stream for url.
type SourceFunc func(ctx context.Context, url, format string) *exec.Cmd

// YtdlpSource returns a SourceFunc running yt-dlp with its output sent to stdout.
func YtdlpSource(path string) SourceFunc {
	if path == "" {
		path = defaultYtdlpPath
	}
	return func(ctx context.Context, url, format string) *exec.Cmd {
		if format == "" {
			format = DefaultFormatSelector
		}
		return exec.CommandContext(ctx, path,
			"--format", format,
			"--output", "-",
			"--quiet",
			"--no-warnings",
			"--no-playlist",
			url,
		)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// sourceProcess is a running download process whose stdout is being consumed.
type sourceProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer

	waitOnce sync.Once
	done     chan struct{}
	err      error
}

func startSource(cmd *exec.Cmd, grace time.Duration) (*sourceProcess, error) {
	p := &sourceProcess{
		cmd:    cmd,
		stderr: &tailBuffer{max: maxStderrBytes},
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	// On context cancellation ask politely first, os/exec kills after WaitDelay.
	if cmd.Cancel != nil {
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = grace
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	p.stdout = stdout

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Cmd: p.name(), Err: err}
	}
	return p, nil
}

func (p *sourceProcess) name() string {
	return filepath.Base(p.cmd.Path)
}

func (p *sourceProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits. It must only be called once stdout has
// been drained, or from Stop.
func (p *sourceProcess) Wait() error {
	p.reap()
	<-p.done
	return p.err
}

func (p *sourceProcess) reap() {
	p.waitOnce.Do(func() {
		go func() {
			p.err = p.cmd.Wait()
			close(p.done)
		}()
	})
}

// Exited reports whether the process has been reaped.
func (p *sourceProcess) Exited() bool {
	select {
	case <-p.done:
		return p.cmd.ProcessState != nil
	default:
		return false
	}
}

// Stop terminates the process: SIGTERM, then SIGKILL if it is still running after grace.
// It is safe to call on an already exited process.
func (p *sourceProcess) Stop(grace time.Duration) {
	if p.Exited() {
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	p.reap()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return
	case <-t.C:
	}

	_ = p.cmd.Process.Kill()
	<-p.done
}

// exitError converts the result of Wait into a ProcessError carrying stderr.
func (p *sourceProcess) exitError(err error) error {
	if err == nil {
		return nil
	}
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitCode = ee.ExitCode()
	}
	return &ProcessError{
		Cmd:      p.name(),
		ExitCode: exitCode,
		Stderr:   p.stderr.String(),
		Err:      err,
	}
}
