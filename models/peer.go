package models

import (
	"net"
	"strconv"
	"time"
)

// Peer is a remote daemon currently visible through discovery.
type Peer struct {
	GlobalID    string    `json:"global_id"`
	DisplayName string    `json:"display_name"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Address returns the peer's dialable "ip:port".
func (p Peer) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}
