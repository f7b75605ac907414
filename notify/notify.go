// Package notify decides how notification-worthy events leave the daemon.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds one external notification command.
	DefaultTimeout = 5 * time.Second
	// MaxPreviewLength bounds the message body handed to a notifier, in runes.
	MaxPreviewLength = 200
)

// Command runs an external program (for example notify-send) with the sender
// name and a body preview appended as the last two arguments.
type Command struct {
	name    string
	args    []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommand parses a whitespace-separated command line.
func NewCommand(commandLine string, logger *zap.Logger) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("notify command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{
		name:    fields[0],
		args:    fields[1:],
		timeout: DefaultTimeout,
		logger:  logger.Named("notify"),
	}, nil
}

// Notify runs the command and waits for it to exit.
func (c *Command) Notify(ctx context.Context, senderName, body string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string(nil), c.args...), senderName, Preview(body))
	cmd := exec.CommandContext(ctx, c.name, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run notify command %q: %w: %s", c.name, err, strings.TrimSpace(output.String()))
	}
	c.logger.Debug("notification sent", zap.String("sender", senderName))
	return nil
}

// Log records notifications in the daemon log when no command is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

// Notify logs the event.
func (l *Log) Notify(_ context.Context, senderName, body string) error {
	l.logger.Info("new message",
		zap.String("sender", senderName),
		zap.String("preview", Preview(body)),
	)
	return nil
}

// Preview shortens body to MaxPreviewLength runes on a single line.
func Preview(body string) string {
	line := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(line) <= MaxPreviewLength {
		return line
	}
	runes := []rune(line)
	return string(runes[:MaxPreviewLength-1]) + "…"
}
