package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"localchat/models"
)

const (
	// MaxRecordSize is the maximum accepted record size including the newline (64 KiB).
	MaxRecordSize = 64 * 1024
	// DefaultSendTimeout bounds one outbound send from dial to peer close.
	DefaultSendTimeout = 5 * time.Second
	// DefaultIdleTimeout drops inbound connections that stay silent this long.
	DefaultIdleTimeout = 30 * time.Second
)

var (
	// ErrRecordTooLarge indicates a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("network: record exceeds max size")
	// ErrInvalidRecord indicates a record is missing required fields.
	ErrInvalidRecord = errors.New("network: invalid record")
)

// WireMessage is one chat message as carried between daemons.
type WireMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
	SentAt      int64  `json:"sent_at"`
}

// NewWireMessage converts a local message to its wire form.
func NewWireMessage(msg models.Message) WireMessage {
	return WireMessage{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Body:        msg.Body,
		SentAt:      msg.SentAt.UnixMilli(),
	}
}

// ToMessage converts a received record to a remote-origin message.
func (w WireMessage) ToMessage() models.Message {
	return models.Message{
		ID:          w.ID,
		SenderID:    w.SenderID,
		RecipientID: w.RecipientID,
		Body:        w.Body,
		SentAt:      time.UnixMilli(w.SentAt),
		Origin:      models.OriginRemote,
	}
}

// Validate checks the fields every record must carry.
func (w WireMessage) Validate() error {
	switch {
	case strings.TrimSpace(w.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case strings.TrimSpace(w.SenderID) == "":
		return fmt.Errorf("%w: missing sender_id", ErrInvalidRecord)
	case strings.TrimSpace(w.RecipientID) == "":
		return fmt.Errorf("%w: missing recipient_id", ErrInvalidRecord)
	}
	return nil
}

// EncodeLine marshals v as one newline-terminated JSON record. HTML
// characters are not escaped.
func EncodeLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if buf.Len() > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	return buf.Bytes(), nil
}

// WriteLine writes v as one newline-terminated JSON record.
func WriteLine(w io.Writer, v any) error {
	line, err := EncodeLine(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// LineReader splits a stream into newline-delimited records.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r. Records longer than MaxRecordSize fail with
// ErrRecordTooLarge.
func NewLineReader(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxRecordSize)
	return &LineReader{scanner: scanner}
}

// Next returns the next non-blank record, or io.EOF at a clean end of stream.
// The returned slice is only valid until the following call.
func (r *LineReader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrRecordTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// ReadMessage reads and validates the next wire record.
func (r *LineReader) ReadMessage() (WireMessage, error) {
	line, err := r.Next()
	if err != nil {
		return WireMessage{}, err
	}

	var msg WireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return WireMessage{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := msg.Validate(); err != nil {
		return WireMessage{}, err
	}
	return msg, nil
}
