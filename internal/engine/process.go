package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
)

const (
	defaultInterruptGrace = 10 * time.Second
	maxLineSize           = 16 * 1024 * 1024
	eventBufferSize       = 64
)

// ProcessConfig configures a ProcessEngine
type ProcessConfig struct {
	Command        string
	Args           []string
	WorkDir        string
	BrowserArgs    []string
	InterruptGrace time.Duration
}

// ProcessEngine runs the engine as a subprocess speaking newline-delimited JSON
type ProcessEngine struct {
	logger *zap.Logger
	config ProcessConfig
}

// NewProcessEngine creates a subprocess-backed engine
func NewProcessEngine(config ProcessConfig, logger *zap.Logger) *ProcessEngine {
	if config.InterruptGrace <= 0 {
		config.InterruptGrace = defaultInterruptGrace
	}
	return &ProcessEngine{
		logger: logger.Named("engine"),
		config: config,
	}
}

// Start launches the subprocess and begins decoding its stream
func (e *ProcessEngine) Start(ctx context.Context, req Request) (Session, error) {
	if e.config.Command == "" {
		return nil, fmt.Errorf("%w: no command configured", ErrEngineUnavailable)
	}

	cmd := exec.CommandContext(ctx, e.config.Command, e.buildArgs(req)...)
	cmd.Dir = e.config.WorkDir
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.config.InterruptGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	s := &processSession{
		logger: e.logger,
		cmd:    cmd,
		grace:  e.config.InterruptGrace,
		events: make(chan Event, eventBufferSize),
		stderr: &stderr,
		exited: make(chan struct{}),
	}
	go s.read(stdout)

	e.logger.Debug("Engine process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("model", req.Model))

	return s, nil
}

func (e *ProcessEngine) buildArgs(req Request) []string {
	args := append([]string{}, e.config.Args...)
	args = append(args, "-p", req.Prompt, "--output-format", "stream-json", "--verbose")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(req.MaxBudgetUSD, 'f', -1, 64))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DisallowedTools, ","))
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.UseBrowser {
		args = append(args, e.config.BrowserArgs...)
	}
	return append(args, req.ExtraArgs...)
}

type processSession struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	grace  time.Duration
	events chan Event
	stderr *bytes.Buffer
	exited chan struct{}

	mu          sync.Mutex
	err         error
	interrupted bool
}

func (s *processSession) Events() <-chan Event { return s.events }

func (s *processSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interrupt sends SIGINT and kills the process if it is still alive after the grace period
func (s *processSession) Interrupt() error {
	s.mu.Lock()
	if s.interrupted {
		s.mu.Unlock()
		return nil
	}
	s.interrupted = true
	s.mu.Unlock()

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to signal engine: %w", err)
	}
	go func() {
		select {
		case <-s.exited:
		case <-time.After(s.grace):
			_ = s.cmd.Process.Kill()
		}
	}()
	return nil
}

func (s *processSession) read(stdout io.Reader) {
	defer close(s.events)

	sawResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		event, ok, err := DecodeLine(scanner.Bytes())
		if err != nil {
			s.logger.Warn("Skipping undecodable engine line", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if _, isResult := event.(ResultEvent); isResult {
			sawResult = true
		}
		s.events <- event
	}

	scanErr := scanner.Err()
	waitErr := s.cmd.Wait()
	close(s.exited)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case scanErr != nil:
		s.err = fmt.Errorf("failed to read engine stream: %w", scanErr)
	case waitErr != nil && !sawResult && !s.interrupted:
		msg := strings.TrimSpace(s.stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		s.err = fmt.Errorf("engine exited without result: %s", msg)
	}
}

type wireMessage struct {
	Type            string               `json:"type"`
	Subtype         string               `json:"subtype"`
	SessionID       string               `json:"session_id"`
	Model           string               `json:"model"`
	Tools           []string             `json:"tools"`
	Message         *wireContent         `json:"message"`
	ParentToolUseID *string              `json:"parent_tool_use_id"`
	ToolUseID       string               `json:"tool_use_id"`
	ToolName        string               `json:"tool_name"`
	ElapsedSeconds  float64              `json:"elapsed_time_seconds"`
	Result          string               `json:"result"`
	TotalCostUSD    float64              `json:"total_cost_usd"`
	DurationMS      int64                `json:"duration_ms"`
	NumTurns        int                  `json:"num_turns"`
	IsError         bool                 `json:"is_error"`
	StopReason      string               `json:"stop_reason"`
	ModelUsage      map[string]wireUsage `json:"modelUsage"`
}

type wireContent struct {
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type wireUsage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
}

var errNotJSON = errors.New("unexpected engine output")

// DecodeLine converts one stream-json line into an Event. ok is false for
// message types that carry nothing the supervisor consumes.
func DecodeLine(line []byte) (event Event, ok bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false, nil
	}
	if line[0] != '{' {
		return nil, false, errNotJSON
	}

	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal engine line: %w", err)
	}

	switch msg.Type {
	case "system":
		if msg.Subtype != "init" {
			return nil, false, nil
		}
		return InitEvent{SessionID: msg.SessionID, Model: msg.Model, Tools: msg.Tools}, true, nil
	case "assistant":
		ev := AssistantEvent{}
		if msg.ParentToolUseID != nil {
			ev.ParentToolUseID = *msg.ParentToolUseID
		}
		if msg.Message != nil {
			for _, b := range msg.Message.Content {
				switch b.Type {
				case "text":
					ev.Content = append(ev.Content, ContentBlock{Text: b.Text})
				case "tool_use":
					ev.Content = append(ev.Content, ContentBlock{ToolUse: &ToolUse{ID: b.ID, Name: b.Name, Input: b.Input}})
				}
			}
		}
		return ev, true, nil
	case "tool_progress":
		return ToolProgressEvent{
			ToolUseID:      msg.ToolUseID,
			ToolName:       msg.ToolName,
			ElapsedSeconds: msg.ElapsedSeconds,
		}, true, nil
	case "result":
		hint := msg.StopReason
		if hint == "" || msg.Subtype != "success" {
			hint = msg.Subtype
		}
		usage := make(map[string]model.TokenUsage, len(msg.ModelUsage))
		for name, u := range msg.ModelUsage {
			usage[name] = model.TokenUsage{
				InputTokens:              u.InputTokens,
				OutputTokens:             u.OutputTokens,
				CacheReadInputTokens:     u.CacheReadInputTokens,
				CacheCreationInputTokens: u.CacheCreationInputTokens,
			}
		}
		return ResultEvent{
			SessionID:      msg.SessionID,
			Result:         msg.Result,
			TotalCostUSD:   msg.TotalCostUSD,
			DurationMS:     msg.DurationMS,
			NumTurns:       msg.NumTurns,
			StopReasonHint: hint,
			IsError:        msg.IsError,
			ModelUsage:     usage,
		}, true, nil
	default:
		return nil, false, nil
	}
}
