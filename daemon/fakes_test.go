package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"localchat/control"
	"localchat/discovery"
	"localchat/models"
	"localchat/network"
	"localchat/storage"
)

type fakeDirectory struct {
	mu       sync.Mutex
	peers    map[string]models.Peer
	started  []models.Identity
	stopped  bool
	startErr error
	events   chan discovery.Event
	stopOnce sync.Once
}

func newFakeDirectory(peers ...models.Peer) *fakeDirectory {
	d := &fakeDirectory{
		peers:  make(map[string]models.Peer),
		events: make(chan discovery.Event, 16),
	}
	for _, peer := range peers {
		d.peers[peer.GlobalID] = peer
	}
	return d
}

func (d *fakeDirectory) Start(self models.Identity, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = append(d.started, self)
	return nil
}

func (d *fakeDirectory) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.events)
	})
}

func (d *fakeDirectory) Peers() []models.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalID < out[j].GlobalID })
	return out
}

func (d *fakeDirectory) Lookup(globalID string) (models.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer, ok := d.peers[globalID]
	return peer, ok
}

func (d *fakeDirectory) Resolve(globalID string) (string, error) {
	peer, ok := d.Lookup(globalID)
	if !ok {
		return "", fmt.Errorf("%w: %s", discovery.ErrPeerNotFound, globalID)
	}
	return peer.Address(), nil
}

func (d *fakeDirectory) Events() <-chan discovery.Event {
	return d.events
}

func (d *fakeDirectory) add(peer models.Peer) {
	d.mu.Lock()
	d.peers[peer.GlobalID] = peer
	d.mu.Unlock()
}

func (d *fakeDirectory) startedWith() []models.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Identity(nil), d.started...)
}

type fakeFabric struct {
	inbound   chan network.WireMessage
	errs      chan error
	closeOnce sync.Once

	mu     sync.Mutex
	accept network.AcceptFunc
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{
		inbound: make(chan network.WireMessage, 16),
		errs:    make(chan error, 1),
	}
}

func (f *fakeFabric) SetAccept(accept network.AcceptFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accept = accept
}

// check runs the installed accept function the way the server does.
func (f *fakeFabric) check(msg network.WireMessage) error {
	f.mu.Lock()
	accept := f.accept
	f.mu.Unlock()
	if accept == nil {
		return nil
	}
	return accept(msg)
}

func (f *fakeFabric) Inbound() <-chan network.WireMessage { return f.inbound }
func (f *fakeFabric) Errors() <-chan error                { return f.errs }

func (f *fakeFabric) Close() error {
	f.closeOnce.Do(func() {
		close(f.inbound)
		close(f.errs)
	})
	return nil
}

type sentCall struct {
	address string
	msg     network.WireMessage
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []sentCall
	err     error
	release chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, address string, msg network.WireMessage) error {
	s.mu.Lock()
	s.calls = append(s.calls, sentCall{address: address, msg: msg})
	release := s.release
	err := s.err
	s.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return &network.SendError{Reason: network.FailureTimeout, Address: address, Err: ctx.Err()}
		}
	}
	return err
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeGateway struct {
	requests chan control.Request

	mu         sync.Mutex
	broadcasts []any
	closed     bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{requests: make(chan control.Request, 16)}
}

func (g *fakeGateway) Requests() <-chan control.Request { return g.requests }

func (g *fakeGateway) Broadcast(msg any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		panic("broadcast after gateway close")
	}
	g.broadcasts = append(g.broadcasts, msg)
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGateway) snapshot() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]any(nil), g.broadcasts...)
}

func (g *fakeGateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type recordingResponder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recordingResponder) Send(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingResponder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

type statusUpdate struct {
	messageID string
	status    storage.DeliveryStatus
}

type fakeHistory struct {
	mu           sync.Mutex
	recorded     []models.Message
	statuses     []statusUpdate
	peers        []models.Peer
	conversation []models.Message
}

func (h *fakeHistory) RecordMessage(message models.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorded = append(h.recorded, message)
	return nil
}

func (h *fakeHistory) UpdateDeliveryStatus(messageID string, status storage.DeliveryStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, statusUpdate{messageID: messageID, status: status})
	return nil
}

func (h *fakeHistory) Conversation(peerID string, since time.Time, limit int) ([]models.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Message(nil), h.conversation...), nil
}

func (h *fakeHistory) RecordPeer(peer models.Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append(h.peers, peer)
	return nil
}

func (h *fakeHistory) statusesSnapshot() []statusUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]statusUpdate(nil), h.statuses...)
}

func (h *fakeHistory) recordedSnapshot() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Message(nil), h.recorded...)
}

type notification struct {
	sender string
	body   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(_ context.Context, senderName, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{sender: senderName, body: body})
	return nil
}

func (n *fakeNotifier) snapshot() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

// findMessage returns the first message of type T matching match.
func findMessage[T any](msgs []any, match func(T) bool) (T, bool) {
	for _, msg := range msgs {
		typed, ok := msg.(T)
		if ok && (match == nil || match(typed)) {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

func waitForBroadcast[T any](t *testing.T, gateway *fakeGateway, match func(T) bool) T {
	t.Helper()
	var found T
	waitForCondition(t, 2*time.Second, func() bool {
		var ok bool
		found, ok = findMessage(gateway.snapshot(), match)
		return ok
	})
	return found
}

func waitForReply[T any](t *testing.T, responder *recordingResponder, match func(T) bool) T {
	t.Helper()
	var found T
	waitForCondition(t, 2*time.Second, func() bool {
		var ok bool
		found, ok = findMessage(responder.snapshot(), match)
		return ok
	})
	return found
}
