package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"localchat/control"
	"localchat/discovery"
	"localchat/identity"
	"localchat/models"
	"localchat/network"
	"localchat/storage"
)

const (
	// DefaultShutdownGrace is how long in-flight sends may finish at shutdown.
	DefaultShutdownGrace = 5 * time.Second

	historyQueueSize = 256
	resultQueueSize  = 64
)

// State is the dispatcher's lifecycle stage.
type State int

const (
	// StateAwaitingIdentity means no identity exists yet; only SetUsername is accepted.
	StateAwaitingIdentity State = iota
	// StateActive means the identity is known and the directory is running.
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return control.StateActive
	}
	return control.StateAwaitingIdentity
}

var (
	// ErrGatewayClosed indicates the control gateway stopped delivering requests.
	ErrGatewayClosed = errors.New("daemon: control gateway closed")
	// ErrNoIdentity refuses inbound records while no identity exists.
	ErrNoIdentity = errors.New("daemon: no identity yet")
	// ErrMisaddressed refuses inbound records meant for another identity.
	ErrMisaddressed = errors.New("daemon: record addressed to another identity")
)

// Options wires the dispatcher to its collaborators.
type Options struct {
	// Port is the TCP port advertised to peers.
	Port int

	Directory Directory
	Fabric    Fabric
	Sender    Sender
	Gateway   Gateway
	Identity  IdentityStore

	// History and Notifier are optional.
	History  History
	Notifier Notifier

	Logger        *zap.Logger
	ShutdownGrace time.Duration

	InterfaceInfo func() (discovery.NetworkInterface, error)
	Now           func() time.Time
	NewMessageID  func() string
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = DefaultShutdownGrace
	}
	if out.InterfaceInfo == nil {
		out.InterfaceInfo = discovery.LocalInterface
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.NewMessageID == nil {
		out.NewMessageID = uuid.NewString
	}
	return out
}

func (o Options) validate() error {
	switch {
	case o.Directory == nil:
		return errors.New("directory is required")
	case o.Fabric == nil:
		return errors.New("fabric is required")
	case o.Sender == nil:
		return errors.New("sender is required")
	case o.Gateway == nil:
		return errors.New("gateway is required")
	case o.Identity == nil:
		return errors.New("identity store is required")
	case o.Port <= 0:
		return errors.New("port must be > 0")
	}
	return nil
}

type sendResult struct {
	messageID string
	err       error
}

type historyJob func(History)

// Dispatcher turns control commands into actions and discovery and transport
// events into control pushes. State is owned by the Run loop goroutine.
type Dispatcher struct {
	opts   Options
	logger *zap.Logger

	state State
	self  models.Identity
	// recipient mirrors self.GlobalID for the fabric's connection goroutines.
	recipient atomic.Pointer[string]

	results chan sendResult
	history chan historyJob

	sends       sync.WaitGroup
	sendCtx     context.Context
	cancelSends context.CancelFunc

	notifications   sync.WaitGroup
	notifyCtx       context.Context
	cancelNotifying context.CancelFunc

	runOnce sync.Once
}

// New validates options and builds a dispatcher.
func New(options Options) (*Dispatcher, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		opts:    opts,
		logger:  opts.Logger.Named("dispatcher"),
		results: make(chan sendResult, resultQueueSize),
	}
	if opts.History != nil {
		d.history = make(chan historyJob, historyQueueSize)
	}
	d.sendCtx, d.cancelSends = context.WithCancel(context.Background())
	d.notifyCtx, d.cancelNotifying = context.WithCancel(context.Background())
	opts.Fabric.SetAccept(d.acceptInbound)
	return d, nil
}

// acceptInbound runs on fabric connection goroutines before a record is
// acknowledged to its sender.
func (d *Dispatcher) acceptInbound(wire network.WireMessage) error {
	recipient := d.recipient.Load()
	if recipient == nil {
		return ErrNoIdentity
	}
	if wire.RecipientID != *recipient {
		return fmt.Errorf("%w: %s", ErrMisaddressed, wire.RecipientID)
	}
	return nil
}

func (d *Dispatcher) activate(self models.Identity) {
	d.self = self
	d.state = StateActive
	globalID := self.GlobalID
	d.recipient.Store(&globalID)
}

// Run loads the identity, starts discovery when possible and serves until ctx
// ends. It owns the directory, fabric and gateway and shuts them down before
// returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	err := errors.New("daemon: dispatcher already ran")
	d.runOnce.Do(func() {
		err = d.run(ctx)
	})
	return err
}

func (d *Dispatcher) run(ctx context.Context) error {
	if err := d.bootstrap(); err != nil {
		d.shutdown()
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer d.shutdown()
		return d.loop(groupCtx)
	})
	group.Go(func() error {
		for err := range d.opts.Fabric.Errors() {
			d.logger.Debug("connection fabric error", zap.Error(err))
		}
		return nil
	})
	if d.history != nil {
		group.Go(func() error {
			for job := range d.history {
				job(d.opts.History)
			}
			return nil
		})
	}
	return group.Wait()
}

func (d *Dispatcher) bootstrap() error {
	self, err := d.opts.Identity.Load()
	if err != nil {
		if errors.Is(err, identity.ErrCorrupt) {
			d.logger.Warn("ignoring unusable identity file", zap.Error(err))
		}
		d.logger.Info("no identity yet, waiting for a username")
		return nil
	}

	if err := d.opts.Directory.Start(self, d.opts.Port); err != nil {
		return fmt.Errorf("start peer directory: %w", err)
	}
	d.activate(self)
	d.logger.Info("identity loaded", zap.String("global_id", self.GlobalID))
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) error {
	requests := d.opts.Gateway.Requests()
	events := d.opts.Directory.Events()
	inbound := d.opts.Fabric.Inbound()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-requests:
			if !ok {
				return ErrGatewayClosed
			}
			d.handleRequest(req)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.handleDirectoryEvent(event)
		case wire, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			d.handleInbound(wire)
		case result := <-d.results:
			d.handleSendResult(result)
		}
	}
}

func (d *Dispatcher) handleRequest(req control.Request) {
	if d.state == StateAwaitingIdentity {
		switch req.Command.(type) {
		case control.Attach, control.SetUsername:
		default:
			d.reply(req.From, control.NewError(req.Command.Type(), "username not set; send SetUsername first"))
			return
		}
	}

	switch cmd := req.Command.(type) {
	case control.Attach:
		d.greet(req.From)
	case control.SetUsername:
		d.handleSetUsername(req.From, cmd)
	case control.GetPeers:
		d.reply(req.From, control.NewPeerList(d.opts.Directory.Peers()))
	case control.SendMessage:
		d.handleSendMessage(req.From, cmd)
	case control.RequestHistory:
		d.handleRequestHistory(req.From, cmd)
	default:
		d.reply(req.From, control.NewError(req.Command.Type(), "unsupported command"))
	}
}

func (d *Dispatcher) greet(to control.Responder) {
	d.reply(to, d.status(""))
	if d.state != StateActive {
		return
	}
	d.reply(to, control.NewIdentityInfo(d.self))
	d.reply(to, control.NewPeerList(d.opts.Directory.Peers()))
}

func (d *Dispatcher) handleSetUsername(from control.Responder, cmd control.SetUsername) {
	if d.state == StateActive {
		d.reply(from, control.NewError(control.TypeSetUsername, "username already set to "+d.self.GlobalID))
		return
	}

	self, err := d.opts.Identity.Create(cmd.Name)
	if err != nil {
		d.reply(from, control.NewError(control.TypeSetUsername, err.Error()))
		return
	}
	if err := d.opts.Identity.Persist(self); err != nil {
		d.logger.Error("persist identity", zap.Error(err))
		d.reply(from, control.NewError(control.TypeSetUsername, "could not save identity: "+err.Error()))
		return
	}
	// The identity is already saved; a discovery failure only warns.
	statusText := ""
	if err := d.opts.Directory.Start(self, d.opts.Port); err != nil {
		d.logger.Error("start peer directory", zap.Error(err))
		statusText = "Discovery could not start, peers will not see you: " + err.Error()
	}

	d.activate(self)
	d.logger.Info("identity created", zap.String("global_id", self.GlobalID))

	d.opts.Gateway.Broadcast(control.NewIdentityInfo(self))
	d.opts.Gateway.Broadcast(d.status(statusText))
	d.opts.Gateway.Broadcast(control.NewPeerList(d.opts.Directory.Peers()))
}

func (d *Dispatcher) handleSendMessage(from control.Responder, cmd control.SendMessage) {
	if strings.TrimSpace(cmd.Body) == "" {
		d.reply(from, control.NewError(control.TypeSendMessage, "message body is empty"))
		return
	}

	address, err := d.opts.Directory.Resolve(cmd.RecipientID)
	if err != nil {
		reply := control.NewError(control.TypeSendMessage, "recipient not found: "+cmd.RecipientID)
		reply.RecipientID = cmd.RecipientID
		d.reply(from, reply)
		return
	}

	msg := models.Message{
		ID:          d.opts.NewMessageID(),
		SenderID:    d.self.GlobalID,
		RecipientID: cmd.RecipientID,
		Body:        cmd.Body,
		SentAt:      d.opts.Now(),
		Origin:      models.OriginSelf,
	}
	wire := network.NewWireMessage(msg)
	echo := control.NewNewMessage(msg)

	// Both the peer record and the local echo must fit in one line.
	for _, record := range []any{wire, echo} {
		if _, err := network.EncodeLine(record); err != nil {
			d.logger.Info("refusing outbound message",
				zap.String("recipient", cmd.RecipientID),
				zap.Int("body_bytes", len(cmd.Body)),
				zap.Error(err),
			)
			reply := control.NewError(control.TypeSendMessage, "message too large")
			if !errors.Is(err, network.ErrRecordTooLarge) {
				reply = control.NewError(control.TypeSendMessage, "message could not be encoded")
			}
			reply.RecipientID = cmd.RecipientID
			d.reply(from, reply)
			return
		}
	}

	d.opts.Gateway.Broadcast(echo)
	d.recordHistory(func(h History) error { return h.RecordMessage(msg) })

	d.sends.Add(1)
	go func() {
		defer d.sends.Done()
		err := d.opts.Sender.Send(d.sendCtx, address, wire)
		d.results <- sendResult{messageID: msg.ID, err: err}
	}()
}

func (d *Dispatcher) handleRequestHistory(from control.Responder, cmd control.RequestHistory) {
	if d.history == nil {
		d.reply(from, control.NewError(control.TypeRequestHistory, "history is disabled"))
		return
	}
	if strings.TrimSpace(cmd.PeerID) == "" {
		d.reply(from, control.NewError(control.TypeRequestHistory, "peer_id is required"))
		return
	}

	var since time.Time
	if cmd.Since > 0 {
		since = time.UnixMilli(cmd.Since)
	}
	d.enqueueHistory(func(h History) {
		messages, err := h.Conversation(cmd.PeerID, since, cmd.Limit)
		if err != nil {
			d.logger.Warn("query history", zap.String("peer", cmd.PeerID), zap.Error(err))
			d.reply(from, control.NewError(control.TypeRequestHistory, "history query failed"))
			return
		}
		d.reply(from, control.NewHistoryResponse(cmd.PeerID, messages))
	})
}

func (d *Dispatcher) handleDirectoryEvent(event discovery.Event) {
	switch event.Type {
	case discovery.EventPeerJoined, discovery.EventPeerUpdated:
		peer := event.Peer
		d.recordHistory(func(h History) error { return h.RecordPeer(peer) })
		d.opts.Gateway.Broadcast(control.NewPeerList(d.opts.Directory.Peers()))
	case discovery.EventPeerLeft:
		d.opts.Gateway.Broadcast(control.NewPeerList(d.opts.Directory.Peers()))
	case discovery.EventRegistered:
		d.opts.Gateway.Broadcast(d.status("Visible on the local network"))
	case discovery.EventRegistrationFailed:
		d.opts.Gateway.Broadcast(d.status(fmt.Sprintf("Discovery registration failed, retrying: %v", event.Err)))
	case discovery.EventBrowseFailed:
		d.opts.Gateway.Broadcast(d.status(fmt.Sprintf("Peer scan failed: %v", event.Err)))
	}
}

func (d *Dispatcher) handleInbound(wire network.WireMessage) {
	if d.state != StateActive {
		d.logger.Info("dropping message received before identity exists", zap.String("message_id", wire.ID))
		return
	}
	if wire.RecipientID != d.self.GlobalID {
		d.logger.Warn("dropping misaddressed message",
			zap.String("message_id", wire.ID),
			zap.String("recipient", wire.RecipientID),
		)
		return
	}

	msg := wire.ToMessage()
	d.recordHistory(func(h History) error { return h.RecordMessage(msg) })
	d.notify(d.senderName(msg.SenderID), msg.Body)
	d.opts.Gateway.Broadcast(control.NewNewMessage(msg))
}

func (d *Dispatcher) handleSendResult(result sendResult) {
	if result.err != nil {
		reason := network.ReasonOf(result.err)
		d.logger.Info("delivery failed",
			zap.String("message_id", result.messageID),
			zap.String("reason", string(reason)),
			zap.Error(result.err),
		)
		d.opts.Gateway.Broadcast(control.NewDeliveryFailed(result.messageID, string(reason)))
		d.recordHistory(func(h History) error {
			return h.UpdateDeliveryStatus(result.messageID, storage.DeliveryFailed)
		})
		return
	}

	d.opts.Gateway.Broadcast(control.NewDeliveryConfirmed(result.messageID))
	d.recordHistory(func(h History) error {
		return h.UpdateDeliveryStatus(result.messageID, storage.DeliveryDelivered)
	})
}

func (d *Dispatcher) senderName(globalID string) string {
	if peer, ok := d.opts.Directory.Lookup(globalID); ok && peer.DisplayName != "" {
		return peer.DisplayName
	}
	return models.DisplayNameFromGlobalID(globalID)
}

func (d *Dispatcher) status(text string) control.Status {
	status := control.Status{
		Type:  control.TypeStatus,
		State: d.state.String(),
		Text:  text,
	}
	if status.Text == "" {
		if d.state == StateActive {
			status.Text = "Ready as " + d.self.GlobalID
		} else {
			status.Text = "Waiting for a username"
		}
	}

	iface, err := d.opts.InterfaceInfo()
	if err != nil {
		d.logger.Debug("inspect network interfaces", zap.Error(err))
		return status
	}
	status.NetworkConnected = iface.Connected
	status.Interface = iface.Name
	return status
}

func (d *Dispatcher) reply(to control.Responder, msg any) {
	if to == nil {
		return
	}
	if err := to.Send(msg); err != nil {
		d.logger.Debug("reply to control client", zap.Error(err))
	}
}

func (d *Dispatcher) recordHistory(write func(History) error) {
	d.enqueueHistory(func(h History) {
		if err := write(h); err != nil {
			d.logger.Warn("write history", zap.Error(err))
		}
	})
}

func (d *Dispatcher) enqueueHistory(job historyJob) {
	if d.history == nil {
		return
	}
	select {
	case d.history <- job:
	default:
		d.logger.Warn("history queue full, dropping write")
	}
}

func (d *Dispatcher) notify(senderName, body string) {
	if d.opts.Notifier == nil {
		return
	}
	d.notifications.Add(1)
	go func() {
		defer d.notifications.Done()
		if err := d.opts.Notifier.Notify(d.notifyCtx, senderName, body); err != nil {
			d.logger.Warn("notify", zap.Error(err))
		}
	}()
}

// shutdown withdraws from discovery, stops inbound traffic and delivers what
// was already received, gives in-flight sends the grace period, then closes
// the control gateway.
func (d *Dispatcher) shutdown() {
	d.logger.Info("shutting down")

	d.opts.Directory.Stop()
	if err := d.opts.Fabric.Close(); err != nil {
		d.logger.Debug("close connection fabric", zap.Error(err))
	}
	// Buffered records were already acknowledged to their senders.
	for wire := range d.opts.Fabric.Inbound() {
		d.handleInbound(wire)
	}

	sendsDone := make(chan struct{})
	go func() {
		d.sends.Wait()
		close(sendsDone)
	}()

	grace := time.NewTimer(d.opts.ShutdownGrace)
	defer grace.Stop()

wait:
	for {
		select {
		case result := <-d.results:
			d.handleSendResult(result)
		case <-sendsDone:
			break wait
		case <-grace.C:
			d.logger.Warn("cancelling in-flight sends")
			d.cancelSends()
		}
	}
	for drained := false; !drained; {
		select {
		case result := <-d.results:
			d.handleSendResult(result)
		default:
			drained = true
		}
	}
	d.cancelSends()

	d.cancelNotifying()
	d.notifications.Wait()

	if d.history != nil {
		close(d.history)
	}

	if err := d.opts.Gateway.Close(); err != nil {
		d.logger.Debug("close control gateway", zap.Error(err))
	}
}

// State reports the current lifecycle stage. It is only safe to call from
// tests after Run has returned or before it starts.
func (d *Dispatcher) State() State {
	return d.state
}
