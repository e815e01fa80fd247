package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/domain"
)

// Stream framing markers emitted by the external worker on stdout. A
// structured update is a single line; the final result marker begins a block
// whose remaining lines (to EOF) are concatenated and parsed as one JSON
// value. Everything else is diagnostic text.
const (
	updateMarker = "WS_UPDATE:"
	resultMarker = "FINAL_RESULT:"
)

// Errors returned by Run, distinguishing failure causes for the retry layer.
var (
	// ErrSpawn means the worker executable could not be started at all.
	// Fatal: the bridge never retries it, and neither should the queue.
	ErrSpawn = errors.New("worker process could not be started")

	// ErrTimeout means the wall-clock deadline expired and the process was
	// terminated. Retryable at the queue layer.
	ErrTimeout = errors.New("worker process timed out")

	// ErrProcessFailure means the process exited non-zero. Retryable.
	ErrProcessFailure = errors.New("worker process failed")

	// ErrCancelled means the supervising context was cancelled and the
	// process was terminated cooperatively.
	ErrCancelled = errors.New("worker process cancelled")
)

// RunState tracks the per-job bridge state machine:
// launching -> running -> {succeeded | failed | timed_out | spawn_error}.
type RunState string

// Possible run states
const (
	RunLaunching  RunState = "launching"
	RunRunning    RunState = "running"
	RunSucceeded  RunState = "succeeded"
	RunFailed     RunState = "failed"
	RunTimedOut   RunState = "timed_out"
	RunSpawnError RunState = "spawn_error"
)

// EventSink receives progress events as they are parsed from the worker's
// stdout. Delivery happens on the single stream-reader goroutine, so sinks
// must not block for long.
type EventSink interface {
	Publish(event domain.ProgressEvent)
}

// Payload is the JSON blob handed to the worker process as its single
// argument.
type Payload struct {
	TaskID      string  `json:"task_id"`
	Task        string  `json:"task"`
	LLMProvider string  `json:"llm_provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxSteps    int     `json:"max_steps,omitempty"`
}

// Result is the worker's final outcome. When the process exits zero without
// a parseable result block, Raw carries the captured output and Fallback is
// set; real work is never discarded because parsing found nothing.
type Result struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Raw      string          `json:"raw,omitempty"`
	Fallback bool            `json:"fallback,omitempty"`
}

// Config controls how worker processes are launched and reaped.
type Config struct {
	// Executable is the interpreter or binary, e.g. "python3".
	Executable string

	// Script is the entry point passed as the first argument.
	Script string

	// Timeout is the wall-clock deadline per run. Zero means DefaultTimeout.
	Timeout time.Duration

	// GraceWindow is how long a terminated process gets to exit before the
	// unconditional kill. Zero means DefaultGraceWindow.
	GraceWindow time.Duration

	// DependencyPath, when set, is exported as RELAY_WORKER_PATH so the
	// worker can locate its own libraries.
	DependencyPath string
}

// Defaults for Config.
const (
	DefaultTimeout     = 30 * time.Minute
	DefaultGraceWindow = 5 * time.Second
)

// Runner owns the full lifecycle of one external worker process per job:
// spawn, incremental stream parsing, timeout escalation, and reaping.
type Runner struct {
	config Config
	logger *slog.Logger
}

// NewRunner creates a Runner with defaults applied.
func NewRunner(config Config, logger *slog.Logger) *Runner {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.GraceWindow <= 0 {
		config.GraceWindow = DefaultGraceWindow
	}
	return &Runner{
		config: config,
		logger: logger.With("component", "bridge"),
	}
}

// updateLine is the wire shape of one WS_UPDATE line.
type updateLine struct {
	Data struct {
		Type       string          `json:"type"`
		StepNumber int             `json:"step_number"`
		Content    json.RawMessage `json:"content"`
		Metadata   json.RawMessage `json:"metadata,omitempty"`
	} `json:"data"`
}

// Run launches the worker for one job and blocks until it resolves. Events
// are forwarded to the sink as they arrive, never buffered to process exit.
// The returned error wraps ErrSpawn, ErrTimeout, ErrProcessFailure, or
// ErrCancelled; a nil error always carries a non-nil Result.
func (r *Runner) Run(ctx context.Context, taskID uuid.UUID, payload Payload) (*Result, error) {
	return r.RunWithSink(ctx, taskID, payload, nil)
}

// RunWithSink is Run with live event forwarding.
func (r *Runner) RunWithSink(ctx context.Context, taskID uuid.UUID, payload Payload, sink EventSink) (*Result, error) {
	logger := r.logger.With("task_id", taskID)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	state := RunLaunching
	cmd := exec.Command(r.config.Executable, r.config.Script, string(raw))
	cmd.Env = append(os.Environ(), "RELAY_TASK_ID="+taskID.String())
	if r.config.DependencyPath != "" {
		cmd.Env = append(cmd.Env, "RELAY_WORKER_PATH="+r.config.DependencyPath)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		state = RunSpawnError
		logger.Error("worker spawn failed", "state", state, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	state = RunRunning
	logger.Info("worker started", "pid", cmd.Process.Pid, "timeout", r.config.Timeout)

	// The stream reader is the single consumer of stdout; it forwards
	// events in emission order and accumulates the result block. Lines are
	// read without a length cap because workers legitimately emit the whole
	// final result as one line; a read error must never stop the drain, or
	// the child blocks forever on a full pipe.
	parsed := newStreamParser(taskID, sink, logger)
	readDone := make(chan error, 1)
	go func() {
		reader := bufio.NewReaderSize(stdout, 64*1024)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				parsed.line(strings.TrimSuffix(line, "\n"))
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					_, _ = io.Copy(io.Discard, stdout)
					readDone <- err
					return
				}
				readDone <- nil
				return
			}
		}
	}()

	timer := time.NewTimer(r.config.Timeout)
	defer timer.Stop()

	var timedOut, cancelled bool

	// Wait for the read side to see EOF before reaping. Calling Wait while
	// the pipe is still being read races with its close and can drop the
	// buffered tail of the result block.
	select {
	case err := <-readDone:
		if err != nil {
			logger.Warn("stdout read error", "error", err)
		}
	case <-timer.C:
		timedOut = true
		r.terminate(cmd, logger)
		<-readDone
	case <-ctx.Done():
		cancelled = true
		r.terminate(cmd, logger)
		<-readDone
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	if timedOut || cancelled {
		waitErr = <-waitDone
	} else {
		// The worker may close stdout and linger; the deadline still applies
		// to the exit itself.
		select {
		case waitErr = <-waitDone:
		case <-timer.C:
			timedOut = true
			r.terminate(cmd, logger)
			waitErr = <-waitDone
		case <-ctx.Done():
			cancelled = true
			r.terminate(cmd, logger)
			waitErr = <-waitDone
		}
	}

	switch {
	case timedOut:
		state = RunTimedOut
		logger.Warn("worker timed out", "state", state, "timeout", r.config.Timeout)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, r.config.Timeout)

	case cancelled:
		state = RunFailed
		logger.Info("worker cancelled", "state", state)
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())

	case waitErr != nil:
		state = RunFailed
		diag := diagnosticTail(parsed.diagnostics(), stderr.String())
		logger.Error("worker failed", "state", state, "error", waitErr, "stderr_tail", diag)
		return nil, fmt.Errorf("%w: %v: %s", ErrProcessFailure, waitErr, diag)
	}

	state = RunSucceeded
	result := parsed.result()
	logger.Info("worker completed",
		"state", state,
		"events", parsed.eventCount,
		"fallback", result.Fallback)
	return result, nil
}

// terminate escalates: graceful signal first, unconditional kill after the
// grace window.
func (r *Runner) terminate(cmd *exec.Cmd, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed, killing immediately", "error", err)
		_ = cmd.Process.Kill()
		return
	}

	killTimer := time.AfterFunc(r.config.GraceWindow, func() {
		logger.Warn("grace window expired, killing worker", "grace", r.config.GraceWindow)
		_ = cmd.Process.Kill()
	})
	// The caller waits on cmd.Wait; once it returns the timer is moot but
	// harmless, so it is left to fire against a reaped process.
	_ = killTimer
}

// streamParser consumes stdout lines: WS_UPDATE lines become events,
// FINAL_RESULT switches to result accumulation, the rest is diagnostics.
type streamParser struct {
	taskID     uuid.UUID
	sink       EventSink
	logger     *slog.Logger
	inResult   bool
	resultBuf  strings.Builder
	diagBuf    []string
	eventCount int
	mu         sync.Mutex
}

func newStreamParser(taskID uuid.UUID, sink EventSink, logger *slog.Logger) *streamParser {
	return &streamParser{taskID: taskID, sink: sink, logger: logger}
}

func (p *streamParser) line(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inResult {
		p.resultBuf.WriteString(line)
		p.resultBuf.WriteString("\n")
		return
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, updateMarker):
		p.parseUpdate(strings.TrimSpace(strings.TrimPrefix(trimmed, updateMarker)))
	case strings.HasPrefix(trimmed, resultMarker):
		p.inResult = true
		if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, resultMarker)); rest != "" {
			p.resultBuf.WriteString(rest)
			p.resultBuf.WriteString("\n")
		}
	case trimmed != "":
		p.diagBuf = append(p.diagBuf, trimmed)
	}
}

func (p *streamParser) parseUpdate(raw string) {
	var update updateLine
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		p.logger.Debug("unparseable update line treated as diagnostic", "error", err)
		p.diagBuf = append(p.diagBuf, raw)
		return
	}

	kind := domain.StepKind(update.Data.Type)
	if !domain.IsValidStepKind(kind) {
		p.logger.Debug("unknown update kind dropped", "kind", update.Data.Type)
		return
	}

	p.eventCount++
	stepNumber := update.Data.StepNumber
	if stepNumber <= 0 {
		// The worker did not number this update; fall back to the parse
		// sequence so observers still see an increasing counter.
		stepNumber = p.eventCount
	}

	event := domain.ProgressEvent{
		TaskID:     p.taskID,
		Kind:       kind,
		StepNumber: stepNumber,
		Content:    update.Data.Content,
		Timestamp:  time.Now().UTC(),
	}
	if p.sink != nil {
		p.sink.Publish(event)
	}
}

// result builds the final Result from the accumulated block, falling back
// to raw captured output when no parseable JSON is present.
func (p *streamParser) result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	block := strings.TrimSpace(p.resultBuf.String())
	if block != "" {
		var data json.RawMessage
		if err := json.Unmarshal([]byte(block), &data); err == nil {
			return &Result{Success: true, Data: data}
		}
		p.logger.Warn("final result block is not valid JSON, using raw fallback")
	}

	lines := p.diagBuf
	if block != "" {
		lines = append(lines[:len(lines):len(lines)], block)
	}
	return &Result{
		Success:  true,
		Raw:      strings.Join(lines, "\n"),
		Fallback: true,
	}
}

func (p *streamParser) diagnostics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.diagBuf))
	copy(out, p.diagBuf)
	return out
}

// diagnosticTail joins the last few diagnostic lines with stderr for
// failure context, bounded so log records stay readable.
func diagnosticTail(diag []string, stderr string) string {
	const maxLines = 5
	if len(diag) > maxLines {
		diag = diag[len(diag)-maxLines:]
	}
	parts := make([]string, 0, len(diag)+1)
	parts = append(parts, diag...)
	if s := strings.TrimSpace(stderr); s != "" {
		if len(s) > 512 {
			s = s[len(s)-512:]
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " | ")
}
