package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// FailureReason classifies why an outbound send did not complete.
type FailureReason string

const (
	// FailureUnreachable means the dial failed.
	FailureUnreachable FailureReason = "unreachable"
	// FailureRejected means the peer reset the connection or the write failed.
	FailureRejected FailureReason = "rejected"
	// FailureTimeout means the send did not complete within its bound.
	FailureTimeout FailureReason = "timeout"
)

// SendError reports a failed send.
type SendError struct {
	Reason  FailureReason
	Address string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %s: %v", e.Address, e.Reason, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the failure reason from err, treating unknown errors as rejections.
func ReasonOf(err error) FailureReason {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Reason
	}
	return FailureRejected
}

// Sender delivers one record per short-lived TCP connection.
type Sender struct {
	Timeout time.Duration
}

// NewSender returns a sender bounded by timeout, or DefaultSendTimeout when
// timeout is not positive.
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Sender{Timeout: timeout}
}

// Send dials address, writes msg, half-closes and waits for the peer to close.
// A clean close from the peer confirms acceptance. Send never retries.
func (s *Sender) Send(ctx context.Context, address string, msg WireMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	line, err := EncodeLine(msg)
	if err != nil {
		return err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return classify(ctx, address, err, FailureUnreachable)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return &SendError{Reason: FailureRejected, Address: address, Err: err}
		}
	}
	// Cancellation interrupts blocked I/O.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(line); err != nil {
		return classify(ctx, address, err, FailureRejected)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return classify(ctx, address, err, FailureRejected)
		}
	}

	if _, err := io.Copy(io.Discard, conn); err != nil {
		return classify(ctx, address, err, FailureRejected)
	}
	return nil
}

func classify(ctx context.Context, address string, err error, fallback FailureReason) error {
	reason := fallback
	var netErr net.Error
	if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		reason = FailureTimeout
	}
	return &SendError{Reason: reason, Address: address, Err: err}
}
