package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"localchat/models"
)

const (
	// EventPeerJoined is emitted the first time a global ID is seen.
	EventPeerJoined EventType = "peer_joined"
	// EventPeerUpdated is emitted when a known peer's address or name changes.
	EventPeerUpdated EventType = "peer_updated"
	// EventPeerLeft is emitted on withdrawal or liveness expiry.
	EventPeerLeft EventType = "peer_left"
	// EventRegistered is emitted once the local service is advertised.
	EventRegistered EventType = "registered"
	// EventRegistrationFailed is emitted for each failed registration attempt.
	EventRegistrationFailed EventType = "registration_failed"
	// EventBrowseFailed is emitted when a scan could not browse.
	EventBrowseFailed EventType = "browse_failed"
)

var (
	// ErrPeerNotFound indicates the global ID is not in the peer table.
	ErrPeerNotFound = errors.New("discovery: peer not found")
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("discovery: directory already started")
)

// lateEntryGrace bounds how long entries arriving after a scan window are discarded.
const lateEntryGrace = 2 * time.Second

// EventType identifies directory updates.
type EventType string

// Event carries directory updates for the dispatcher.
type Event struct {
	Type EventType
	Peer models.Peer
	Err  error
}

// Directory advertises the local identity and tracks remote peers.
type Directory struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]models.Peer
	self  models.Identity

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	serverMu sync.Mutex
	server   *zeroconf.Server
}

// NewDirectory creates a directory with config defaults applied.
func NewDirectory(config Config) *Directory {
	cfg := config.withDefaults()
	return &Directory{
		cfg:    cfg,
		logger: cfg.Logger.Named("discovery"),
		peers:  make(map[string]models.Peer),
		events: make(chan Event, 128),
	}
}

// Start registers self on port and begins background scanning.
func (d *Directory) Start(self models.Identity, port int) error {
	if err := validateRegistration(self, port); err != nil {
		return err
	}

	err := ErrAlreadyStarted
	d.startOnce.Do(func() {
		err = nil
		d.mu.Lock()
		d.self = self
		d.mu.Unlock()

		d.ctx, d.cancel = context.WithCancel(context.Background())
		d.wg.Add(2)
		go d.registerLoop(self, port)
		go d.scanLoop()
	})
	return err
}

// Stop cancels scanning and registration retries, withdraws the
// advertisement and closes Events.
func (d *Directory) Stop() {
	d.stopOnce.Do(func() {
		// Prevent a later Start from spawning goroutines after Events closes.
		d.startOnce.Do(func() {})
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()

		d.serverMu.Lock()
		shutdownServer(d.server)
		d.server = nil
		d.serverMu.Unlock()

		close(d.events)
	})
}

// Events provides asynchronous directory updates.
func (d *Directory) Events() <-chan Event {
	return d.events
}

// Peers returns a snapshot of known peers sorted by display name, then ID.
func (d *Directory) Peers() []models.Peer {
	d.mu.RLock()
	out := make([]models.Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, peer)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].GlobalID < out[j].GlobalID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Lookup returns the peer with the given global ID.
func (d *Directory) Lookup(globalID string) (models.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peers[globalID]
	return peer, ok
}

// Resolve returns the dialable address of a peer.
func (d *Directory) Resolve(globalID string) (string, error) {
	peer, ok := d.Lookup(globalID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPeerNotFound, globalID)
	}
	return peer.Address(), nil
}

func (d *Directory) registerLoop(self models.Identity, port int) {
	defer d.wg.Done()

	server, err := d.cfg.register(d.ctx, self, port, func(err error) {
		d.emitEvent(Event{Type: EventRegistrationFailed, Err: err})
	})
	if err != nil {
		return
	}

	d.serverMu.Lock()
	d.server = server
	d.serverMu.Unlock()

	d.logger.Info("advertising on mDNS",
		zap.String("instance", InstanceName(self)),
		zap.String("service", d.cfg.Service),
		zap.Int("port", port),
	)
	d.emitEvent(Event{Type: EventRegistered})
}

func (d *Directory) scanLoop() {
	defer d.wg.Done()

	// Prime the peer table immediately.
	d.scanAndReport()

	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.scanAndReport()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Directory) scanAndReport() {
	if err := d.runScan(); err != nil {
		if d.ctx.Err() != nil {
			return
		}
		d.logger.Warn("mDNS browse failed", zap.Error(err))
		d.emitEvent(Event{Type: EventBrowseFailed, Err: err})
	}
	d.expireStale()
}

func (d *Directory) runScan() error {
	scanCtx, cancel := context.WithTimeout(d.ctx, d.cfg.ScanTimeout)
	defer cancel()

	browse := d.cfg.browseFn
	if browse == nil {
		// A resolver is bound to the lifetime of one browse, so each scan gets its own.
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry != nil {
					d.handleEntry(entry)
				}
			}
		}
	}()

	err := browse(scanCtx, d.cfg.Service, d.cfg.Domain, entries)
	if err != nil && !isScanWindowEnd(err) {
		cancel()
	}
	<-scanCtx.Done()
	<-collectorDone

	// The resolver sends without select and may still be mid-batch.
	d.wg.Add(1)
	go d.discardLateEntries(entries)

	if err != nil && !isScanWindowEnd(err) {
		return fmt.Errorf("browse %s: %w", d.cfg.Service, err)
	}
	return nil
}

func (d *Directory) discardLateEntries(entries <-chan *zeroconf.ServiceEntry) {
	defer d.wg.Done()

	grace := time.NewTimer(lateEntryGrace)
	defer grace.Stop()
	for {
		select {
		case _, ok := <-entries:
			if !ok {
				return
			}
		case <-grace.C:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

// isScanWindowEnd reports errors that only mean the scan window closed.
func isScanWindowEnd(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (d *Directory) handleEntry(entry *zeroconf.ServiceEntry) {
	peer, ok := parseEntry(entry)
	if !ok {
		return
	}

	d.mu.Lock()
	if peer.GlobalID == d.self.GlobalID {
		d.mu.Unlock()
		return
	}
	old, exists := d.peers[peer.GlobalID]
	// zeroconf v1.0.0 filters TTL 0 records itself; this serves resolvers that
	// forward goodbyes. Otherwise a withdrawn peer ages out via PeerStaleAfter.
	if entry.TTL == 0 {
		delete(d.peers, peer.GlobalID)
		d.mu.Unlock()
		if exists {
			d.logger.Debug("peer withdrew", zap.String("peer", peer.GlobalID))
			d.emitEvent(Event{Type: EventPeerLeft, Peer: old})
		}
		return
	}
	peer.LastSeenAt = d.cfg.Now()
	d.peers[peer.GlobalID] = peer
	d.mu.Unlock()

	switch {
	case !exists:
		d.logger.Debug("peer joined",
			zap.String("peer", peer.GlobalID),
			zap.String("address", peer.Address()),
		)
		d.emitEvent(Event{Type: EventPeerJoined, Peer: peer})
	case old.IP != peer.IP || old.Port != peer.Port || old.DisplayName != peer.DisplayName:
		d.emitEvent(Event{Type: EventPeerUpdated, Peer: peer})
	}
}

func (d *Directory) expireStale() {
	cutoff := d.cfg.Now().Add(-d.cfg.PeerStaleAfter)

	var expired []models.Peer
	d.mu.Lock()
	for id, peer := range d.peers {
		if peer.LastSeenAt.Before(cutoff) {
			delete(d.peers, id)
			expired = append(expired, peer)
		}
	}
	d.mu.Unlock()

	for _, peer := range expired {
		d.logger.Debug("peer expired", zap.String("peer", peer.GlobalID))
		d.emitEvent(Event{Type: EventPeerLeft, Peer: peer})
	}
}

func (d *Directory) emitEvent(event Event) {
	select {
	case d.events <- event:
	default:
		d.logger.Warn("dropping discovery event", zap.String("type", string(event.Type)))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (models.Peer, bool) {
	txt := txtToMap(entry.Text)

	globalID := txt[txtGlobalID]
	if globalID == "" || entry.Port <= 0 {
		return models.Peer{}, false
	}

	ip := preferredAddress(entry.AddrIPv4, entry.AddrIPv6)
	if ip == nil {
		return models.Peer{}, false
	}

	name := txt[txtDisplayName]
	if name == "" {
		name = models.DisplayNameFromGlobalID(globalID)
	}

	return models.Peer{
		GlobalID:    globalID,
		DisplayName: name,
		IP:          ip.String(),
		Port:        entry.Port,
	}, true
}

// preferredAddress picks a non-loopback IPv4, then any IPv4, then IPv6.
func preferredAddress(v4, v6 []net.IP) net.IP {
	var loopback net.IP
	for _, ip := range v4 {
		if ip == nil || ip.To4() == nil {
			continue
		}
		if !ip.IsLoopback() {
			return ip
		}
		if loopback == nil {
			loopback = ip
		}
	}
	if loopback != nil {
		return loopback
	}
	for _, ip := range v6 {
		if ip != nil {
			return ip
		}
	}
	return nil
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
