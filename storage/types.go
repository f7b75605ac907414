package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// DeliveryStatus tracks what happened to a stored message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	// DeliveryReceived marks inbound messages.
	DeliveryReceived DeliveryStatus = "received"
)

const (
	defaultConversationLimit = 100
	maxConversationLimit     = 1000
)

// KnownPeer is a peer the daemon has seen at least once.
type KnownPeer struct {
	GlobalID      string
	DisplayName   string
	LastKnownIP   string
	LastKnownPort int
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDeliveryStatus(status DeliveryStatus) error {
	switch status {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed, DeliveryReceived:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt64FromInt(value int) sql.NullInt64 {
	if value == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(value), Valid: true}
}
