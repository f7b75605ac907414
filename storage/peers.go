package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"localchat/models"
)

// RecordPeer upserts a discovered peer, keeping its first-seen time.
func (s *Store) RecordPeer(peer models.Peer) error {
	if peer.GlobalID == "" {
		return errors.New("global_id is required")
	}
	if peer.DisplayName == "" {
		peer.DisplayName = models.DisplayNameFromGlobalID(peer.GlobalID)
	}

	seenAt := peer.LastSeenAt.UnixMilli()
	if peer.LastSeenAt.IsZero() {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO known_peers (
			global_id,
			display_name,
			last_known_ip,
			last_known_port,
			first_seen_at,
			last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(global_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port,
			last_seen_at = excluded.last_seen_at`,
		peer.GlobalID,
		peer.DisplayName,
		nullString(peer.IP),
		nullInt64FromInt(peer.Port),
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert known peer %q: %w", peer.GlobalID, err)
	}
	return nil
}

// KnownPeers lists every peer ever recorded, ordered by display name.
func (s *Store) KnownPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT
			global_id,
			display_name,
			last_known_ip,
			last_known_port,
			first_seen_at,
			last_seen_at
		FROM known_peers
		ORDER BY display_name ASC, global_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list known peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		var (
			peer        KnownPeer
			ip          sql.NullString
			port        sql.NullInt64
			firstSeenAt int64
			lastSeenAt  int64
		)
		if err := rows.Scan(&peer.GlobalID, &peer.DisplayName, &ip, &port, &firstSeenAt, &lastSeenAt); err != nil {
			return nil, fmt.Errorf("scan known peer row: %w", err)
		}
		peer.LastKnownIP = ip.String
		peer.LastKnownPort = int(port.Int64)
		peer.FirstSeenAt = time.UnixMilli(firstSeenAt)
		peer.LastSeenAt = time.UnixMilli(lastSeenAt)
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known peer rows: %w", err)
	}
	return peers, nil
}
