package terminal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// PTYController types agent commands into a live terminal so the user sees
// them appear in their own shell before they run.
type PTYController struct {
	config PTYConfig
	mu     sync.RWMutex
	logger *slog.Logger
}

// PTYConfig holds configuration for typing operations.
type PTYConfig struct {
	// TypingSpeed is the base delay between keystrokes (default: 75ms).
	// Zero types the whole command at once.
	TypingSpeed time.Duration
	// JitterMax is the maximum random jitter added to typing speed (default: 25ms)
	JitterMax time.Duration
	// ThinkPause is the delay before typing the first character (default: 500ms)
	ThinkPause time.Duration
	// PunctuationPause is extra delay after punctuation (default: 100ms)
	PunctuationPause time.Duration
}

// DefaultPTYConfig returns sensible defaults for human-like typing.
func DefaultPTYConfig() PTYConfig {
	return PTYConfig{
		TypingSpeed:      75 * time.Millisecond,
		JitterMax:        25 * time.Millisecond,
		ThinkPause:       500 * time.Millisecond,
		PunctuationPause: 100 * time.Millisecond,
	}
}

// TypeResult contains information about a typing operation.
type TypeResult struct {
	Command         string
	CharactersTyped int
	Duration        time.Duration
	Executed        bool
}

// NewPTYController creates a new PTY controller.
func NewPTYController(config PTYConfig, logger *slog.Logger) *PTYController {
	if logger == nil {
		logger = slog.Default()
	}
	return &PTYController{
		config: config,
		logger: logger,
	}
}

// SetTypingSpeed updates the typing speed configuration.
func (p *PTYController) SetTypingSpeed(speed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.TypingSpeed = speed
}

// GetConfig returns the current PTY configuration.
func (p *PTYController) GetConfig() PTYConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// TypeCommand writes command to w keystroke by keystroke and then presses
// enter. Embedded newlines are rejected so a single confirmation covers a
// single command line.
func (p *PTYController) TypeCommand(ctx context.Context, w io.Writer, command string) (TypeResult, error) {
	command = strings.TrimSpace(command)
	result := TypeResult{Command: command}
	if command == "" {
		return result, fmt.Errorf("empty command")
	}
	if strings.ContainsAny(command, "\r\n") {
		return result, fmt.Errorf("command spans multiple lines")
	}

	cfg := p.GetConfig()
	start := time.Now()

	if cfg.TypingSpeed <= 0 {
		if _, err := io.WriteString(w, command+"\r"); err != nil {
			return result, fmt.Errorf("write command: %w", err)
		}
		result.CharactersTyped = len([]rune(command))
		result.Executed = true
		result.Duration = time.Since(start)
		return result, nil
	}

	if err := sleep(ctx, cfg.ThinkPause); err != nil {
		return result, err
	}
	for _, r := range command {
		if _, err := io.WriteString(w, string(r)); err != nil {
			return result, fmt.Errorf("write keystroke: %w", err)
		}
		result.CharactersTyped++
		if err := sleep(ctx, p.keystrokeDelay(cfg, r)); err != nil {
			return result, err
		}
	}
	if _, err := io.WriteString(w, "\r"); err != nil {
		return result, fmt.Errorf("write enter: %w", err)
	}
	result.Executed = true
	result.Duration = time.Since(start)

	p.logger.Debug("Command typed", "chars", result.CharactersTyped, "duration", result.Duration)
	return result, nil
}

func (p *PTYController) keystrokeDelay(cfg PTYConfig, r rune) time.Duration {
	d := cfg.TypingSpeed
	if cfg.JitterMax > 0 {
		d += rand.N(cfg.JitterMax)
	}
	if strings.ContainsRune(".,;:|&>", r) {
		d += cfg.PunctuationPause
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
