package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// wireMessage is the newline-delimited JSON envelope spoken on the executor's
// stdio. Outbound types: turn, response, interrupt. Inbound types mirror the
// turn event kinds.
type wireMessage struct {
	Type            string            `json:"type"`
	SessionID       string            `json:"session_id,omitempty"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	Text            string            `json:"text,omitempty"`
	Error           string            `json:"error,omitempty"`
	RequestID       string            `json:"request_id,omitempty"`
	Decision        string            `json:"decision,omitempty"`
	Answers         map[string]string `json:"answers,omitempty"`
	Request         *ActionRequest    `json:"request,omitempty"`
}

// StdioExecutor runs one subprocess per turn and speaks newline-delimited
// JSON over its stdio.
type StdioExecutor struct {
	Command string
	Args    []string
	Env     map[string]string
	Logger  *slog.Logger
}

func (x *StdioExecutor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

// Start launches the subprocess, sends the turn request and begins reading
// the event stream.
func (x *StdioExecutor) Start(ctx context.Context, req TurnRequest) (Turn, error) {
	if x.Command == "" {
		return nil, fmt.Errorf("executor command not configured")
	}
	cmd := exec.Command(x.Command, x.Args...)

	// Merge environment.
	cmd.Env = os.Environ()
	for k, v := range x.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start executor %q: %w", x.Command, err)
	}

	t := &stdioTurn{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan TurnEvent, 32),
		done:   make(chan struct{}),
		logger: x.logger(),
	}

	// Log stderr in background.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.logger.Debug("executor stderr", "msg", scanner.Text())
		}
	}()

	go t.readLoop(bufio.NewReader(stdout))

	if err := t.send(wireMessage{
		Type:            "turn",
		SessionID:       req.SessionID,
		ParentSessionID: req.ParentSessionID,
		Prompt:          req.Prompt,
	}); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

type stdioTurn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan TurnEvent
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (t *stdioTurn) Events() <-chan TurnEvent {
	return t.events
}

func (t *stdioTurn) readLoop(r *bufio.Reader) {
	defer close(t.events)
	defer func() { _ = t.cmd.Wait() }()

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var msg wireMessage
			if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
				t.logger.Warn("executor sent invalid line", "error", jsonErr)
			} else {
				select {
				case t.events <- TurnEvent{
					Kind:    msg.Type,
					Text:    msg.Text,
					Err:     msg.Error,
					Request: msg.Request,
				}:
				case <-t.done:
					return
				}
				if msg.Type == EventCompleted || msg.Type == EventError {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *stdioTurn) send(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("turn closed")
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *stdioTurn) Respond(_ context.Context, requestID string, resp TurnResponse) error {
	return t.send(wireMessage{
		Type:      "response",
		RequestID: requestID,
		Decision:  resp.Decision,
		Answers:   resp.Answers,
	})
}

// Interrupt asks the subprocess to wind down: a protocol message first, then
// SIGINT. A hard kill only happens in Close.
func (t *stdioTurn) Interrupt(_ context.Context) error {
	if err := t.send(wireMessage{Type: "interrupt"}); err == nil {
		return nil
	}
	if t.cmd.Process != nil {
		return t.cmd.Process.Signal(syscall.SIGINT)
	}
	return nil
}

func (t *stdioTurn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}
