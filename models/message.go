package models

import "time"

// Origin tells whether a message was authored locally or received from a peer.
type Origin string

const (
	OriginSelf   Origin = "self"
	OriginRemote Origin = "remote"
)

// Message is one chat message as seen by the local daemon.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
	Origin      Origin    `json:"origin"`
}

// PeerID returns the remote side of the conversation the message belongs to.
func (m Message) PeerID() string {
	if m.Origin == OriginSelf {
		return m.RecipientID
	}
	return m.SenderID
}
