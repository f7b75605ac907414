package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"localchat/models"
)

// Command types sent by a front end.
const (
	TypeSetUsername    = "SetUsername"
	TypeGetPeers       = "GetPeers"
	TypeSendMessage    = "SendMessage"
	TypeRequestHistory = "RequestHistory"
	// TypeAttach is synthesized by the gateway when a client connects.
	TypeAttach = "Attach"
)

// Message types pushed to front ends.
const (
	TypeIdentityInfo      = "IdentityInfo"
	TypePeerList          = "PeerList"
	TypeNewMessage        = "NewMessage"
	TypeDeliveryFailed    = "DeliveryFailed"
	TypeDeliveryConfirmed = "DeliveryConfirmed"
	TypeStatus            = "Status"
	TypeError             = "Error"
	TypeHistoryResponse   = "HistoryResponse"
)

// Daemon states reported in Status.
const (
	StateAwaitingIdentity = "awaiting_identity"
	StateActive           = "active"
)

var (
	// ErrUnknownCommand indicates a command type the daemon does not accept.
	ErrUnknownCommand = errors.New("control: unknown command")
	// ErrMalformedCommand indicates a line that is not a valid command object.
	ErrMalformedCommand = errors.New("control: malformed command")
)

// Command is one of the closed set of front-end requests.
type Command interface {
	Type() string
	isCommand()
}

// SetUsername creates the local identity.
type SetUsername struct {
	Name string `json:"name"`
}

// GetPeers asks for the current peer list.
type GetPeers struct{}

// SendMessage asks the daemon to deliver a text message.
type SendMessage struct {
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
}

// RequestHistory asks for stored messages exchanged with one peer.
// Since is a Unix millisecond timestamp; zero means from the beginning.
type RequestHistory struct {
	PeerID string `json:"peer_id"`
	Since  int64  `json:"since,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Attach announces a newly connected client.
type Attach struct{}

func (SetUsername) Type() string { return TypeSetUsername }
func (GetPeers) Type() string { return TypeGetPeers }
func (SendMessage) Type() string { return TypeSendMessage }
func (RequestHistory) Type() string { return TypeRequestHistory }
func (Attach) Type() string { return TypeAttach }

func (SetUsername) isCommand() {}
func (GetPeers) isCommand() {}
func (SendMessage) isCommand() {}
func (RequestHistory) isCommand() {}
func (Attach) isCommand() {}

type envelope struct {
	Type string `json:"type"`
}

// DecodeMessageType reads the type tag of a JSON line.
func DecodeMessageType(line []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedCommand)
	}
	return env.Type, nil
}

// ParseCommand decodes one control line sent by a front end.
func ParseCommand(line []byte) (Command, error) {
	msgType, err := DecodeMessageType(line)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeSetUsername:
		var cmd SetUsername
		return decodeCommand(line, &cmd)
	case TypeGetPeers:
		return GetPeers{}, nil
	case TypeSendMessage:
		var cmd SendMessage
		return decodeCommand(line, &cmd)
	case TypeRequestHistory:
		var cmd RequestHistory
		return decodeCommand(line, &cmd)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, msgType)
	}
}

func decodeCommand[T Command](line []byte, cmd *T) (Command, error) {
	if err := json.Unmarshal(line, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return *cmd, nil
}

// IdentityInfo carries the local identity.
type IdentityInfo struct {
	Type     string          `json:"type"`
	Identity models.Identity `json:"identity"`
}

// PeerList carries a peer directory snapshot.
type PeerList struct {
	Type  string        `json:"type"`
	Peers []models.Peer `json:"peers"`
}

// NewMessage carries a sent or received message.
type NewMessage struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

// DeliveryFailed reports an outbound message that did not reach its peer.
type DeliveryFailed struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// DeliveryConfirmed reports an outbound message the peer accepted.
type DeliveryConfirmed struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// Status describes the daemon's state and network reachability.
type Status struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	State            string `json:"state"`
	NetworkConnected bool   `json:"network_connected"`
	Interface        string `json:"interface,omitempty"`
}

// ErrorMessage answers a command that could not be carried out.
type ErrorMessage struct {
	Type        string `json:"type"`
	Command     string `json:"command,omitempty"`
	Message     string `json:"message"`
	RecipientID string `json:"recipient_id,omitempty"`
}

// HistoryResponse answers RequestHistory.
type HistoryResponse struct {
	Type     string           `json:"type"`
	PeerID   string           `json:"peer_id"`
	Messages []models.Message `json:"messages"`
}

// NewIdentityInfo builds an IdentityInfo push.
func NewIdentityInfo(identity models.Identity) IdentityInfo {
	return IdentityInfo{Type: TypeIdentityInfo, Identity: identity}
}

// NewPeerList builds a PeerList push. A nil slice is sent as an empty list.
func NewPeerList(peers []models.Peer) PeerList {
	if peers == nil {
		peers = []models.Peer{}
	}
	return PeerList{Type: TypePeerList, Peers: peers}
}

// NewNewMessage builds a NewMessage push.
func NewNewMessage(msg models.Message) NewMessage {
	return NewMessage{Type: TypeNewMessage, Message: msg}
}

// NewDeliveryFailed builds a DeliveryFailed push.
func NewDeliveryFailed(messageID, reason string) DeliveryFailed {
	return DeliveryFailed{Type: TypeDeliveryFailed, MessageID: messageID, Reason: reason}
}

// NewDeliveryConfirmed builds a DeliveryConfirmed push.
func NewDeliveryConfirmed(messageID string) DeliveryConfirmed {
	return DeliveryConfirmed{Type: TypeDeliveryConfirmed, MessageID: messageID}
}

// NewError builds an Error reply for the named command.
func NewError(command, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Command: command, Message: message}
}

// NewHistoryResponse builds a HistoryResponse reply.
func NewHistoryResponse(peerID string, messages []models.Message) HistoryResponse {
	if messages == nil {
		messages = []models.Message{}
	}
	return HistoryResponse{Type: TypeHistoryResponse, PeerID: peerID, Messages: messages}
}
