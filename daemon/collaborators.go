package daemon

import (
	"context"
	"time"

	"localchat/control"
	"localchat/discovery"
	"localchat/identity"
	"localchat/models"
	"localchat/network"
	"localchat/notify"
	"localchat/storage"
)

// Directory is the peer table the dispatcher resolves recipients against.
type Directory interface {
	Start(self models.Identity, port int) error
	Stop()
	Peers() []models.Peer
	Lookup(globalID string) (models.Peer, bool)
	Resolve(globalID string) (string, error)
	Events() <-chan discovery.Event
}

// Fabric is the inbound side of the connection fabric. Records refused by
// the accept check are reset so their sender sees them rejected.
type Fabric interface {
	SetAccept(accept network.AcceptFunc)
	Inbound() <-chan network.WireMessage
	Errors() <-chan error
	Close() error
}

// Sender delivers one wire message to an address.
type Sender interface {
	Send(ctx context.Context, address string, msg network.WireMessage) error
}

// Gateway is the control channel to front ends.
type Gateway interface {
	Requests() <-chan control.Request
	Broadcast(msg any)
	Close() error
}

// IdentityStore loads and creates the local identity.
type IdentityStore interface {
	Load() (models.Identity, error)
	Create(displayName string) (models.Identity, error)
	Persist(identity models.Identity) error
}

// History keeps a durable record of messages and peers.
type History interface {
	RecordMessage(message models.Message) error
	UpdateDeliveryStatus(messageID string, status storage.DeliveryStatus) error
	Conversation(peerID string, since time.Time, limit int) ([]models.Message, error)
	RecordPeer(peer models.Peer) error
}

// Notifier surfaces an incoming message to the user.
type Notifier interface {
	Notify(ctx context.Context, senderName, body string) error
}

var (
	_ Directory     = (*discovery.Directory)(nil)
	_ Fabric        = (*network.Server)(nil)
	_ Sender        = (*network.Sender)(nil)
	_ Gateway       = (*control.Gateway)(nil)
	_ IdentityStore = (*identity.Store)(nil)
	_ History       = (*storage.Store)(nil)
	_ Notifier      = (*notify.Command)(nil)
	_ Notifier      = (*notify.Log)(nil)
)
