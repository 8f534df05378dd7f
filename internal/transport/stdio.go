package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
)

const (
	// stdoutScanLimit bounds a single stdout frame. Tool results can carry
	// large embedded payloads, so this is generous.
	stdoutScanLimit = 10 * 1024 * 1024

	// stdioShutdownGrace is how long close waits for the child to exit
	// after stdin is closed before escalating to Kill.
	stdioShutdownGrace = 5 * time.Second
)

// stdioWire runs the upstream as a child process and speaks
// newline-delimited JSON over its stdin/stdout. stderr is forwarded to the
// logger line by line. Auth headers do not apply to subprocesses and are
// ignored.
type stdioWire struct {
	cfg    *config.TransportConfig
	sink   wireSink
	logger *zap.Logger

	mu      sync.Mutex
	proc    *stdioProcess
	writeMu sync.Mutex
}

// stdioProcess is the per-connect state. Reconnects spawn a fresh one.
type stdioProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	closed bool
}

func newStdioWire(cfg *config.TransportConfig, sink wireSink, logger *zap.Logger) *stdioWire {
	return &stdioWire{cfg: cfg, sink: sink, logger: logger}
}

func (w *stdioWire) kind() string   { return config.TransportStdio }
func (w *stdioWire) remote() string { return w.cfg.Command }

func (w *stdioWire) connect(_ context.Context, _ map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc != nil && !w.proc.closed {
		return nil
	}

	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), w.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Error{Kind: KindConnectionFailed, Op: "spawn", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Error{Kind: KindConnectionFailed, Op: "spawn", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &Error{Kind: KindConnectionFailed, Op: "spawn", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &Error{Kind: KindConnectionFailed, Op: "spawn", Err: fmt.Errorf("start %s: %w", w.cfg.Command, err)}
	}

	p := &stdioProcess{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	w.proc = p

	w.logger.Debug("Spawned stdio upstream process",
		zap.String("command", w.cfg.Command),
		zap.Strings("args", w.cfg.Args),
		zap.Int("pid", cmd.Process.Pid))

	go w.readStdout(p, stdout)
	go w.readStderr(stderr)
	go w.waitExit(p)

	return nil
}

func (w *stdioWire) sendFrame(_ context.Context, data []byte, _ map[string]string) error {
	w.mu.Lock()
	p := w.proc
	w.mu.Unlock()
	if p == nil || p.closed {
		return &Error{Kind: KindConnectionFailed, Op: "write", Err: fmt.Errorf("process not running")}
	}

	// One frame per line; interleaved writes would corrupt the stream.
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return &Error{Kind: KindConnectionFailed, Op: "write", Err: err}
	}
	return nil
}

func (w *stdioWire) close() error {
	w.mu.Lock()
	p := w.proc
	if p == nil || p.closed {
		w.mu.Unlock()
		return nil
	}
	p.closed = true
	w.mu.Unlock()

	// Closing stdin is the polite shutdown signal for MCP servers.
	_ = p.stdin.Close()

	select {
	case <-p.done:
		return nil
	case <-time.After(stdioShutdownGrace):
	}

	w.logger.Warn("Stdio upstream did not exit after stdin close, killing",
		zap.String("command", w.cfg.Command))
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}

func (w *stdioWire) readStdout(p *stdioProcess, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), stdoutScanLimit)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			// Chatter from the child that is not a frame. Surface it but
			// keep the stream alive.
			w.logger.Debug("Ignoring non-JSON stdout line from upstream",
				zap.String("command", w.cfg.Command),
				zap.String("line", truncateForLog(line)))
			continue
		}
		w.sink.onFrame([]byte(line))
	}
	if err := scanner.Err(); err != nil {
		w.sink.onWireError(&Error{Kind: KindConnectionFailed, Op: "read", Err: err})
	}
}

func (w *stdioWire) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), stdoutScanLimit)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		w.logger.Debug("upstream stderr", zap.String("line", truncateForLog(line)))
	}
}

func (w *stdioWire) waitExit(p *stdioProcess) {
	err := p.cmd.Wait()
	close(p.done)

	w.mu.Lock()
	deliberate := p.closed
	if w.proc == p {
		w.proc = nil
	}
	w.mu.Unlock()

	if deliberate {
		return
	}
	if err == nil {
		err = fmt.Errorf("process exited")
	}
	w.logger.Debug("Stdio upstream process exited",
		zap.String("command", w.cfg.Command),
		zap.Error(err))
	w.sink.onWireClosed(err)
}

// mergeEnv overlays overrides on base. A key already present in base is
// replaced in place so the child sees exactly one value.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		replaced := false
		for k, v := range overrides {
			if strings.HasPrefix(kv, k+"=") {
				merged = append(merged, k+"="+v)
				seen[k] = true
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, kv)
		}
	}
	for k, v := range overrides {
		if !seen[k] {
			merged = append(merged, k+"="+v)
		}
	}
	return merged
}

func truncateForLog(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
