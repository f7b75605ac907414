package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"localchat/control"
	"localchat/identity"
	"localchat/models"
	"localchat/network"
	"localchat/storage"
)

type liveDaemon struct {
	self      models.Identity
	server    *network.Server
	gateway   *control.Gateway
	directory *fakeDirectory
	history   *storage.Store
	cancel    context.CancelFunc
	done      chan error
	stopOnce  sync.Once
}

func (d *liveDaemon) peer() models.Peer {
	addr := d.server.Addr().(*net.TCPAddr)
	return models.Peer{
		GlobalID:    d.self.GlobalID,
		DisplayName: d.self.DisplayName,
		IP:          "127.0.0.1",
		Port:        addr.Port,
		LastSeenAt:  time.Now(),
	}
}

func (d *liveDaemon) stop(t *testing.T) {
	t.Helper()
	d.stopOnce.Do(func() {
		d.cancel()
		select {
		case err := <-d.done:
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("daemon %s did not stop", d.self.GlobalID)
		}
	})
}

func startLiveDaemon(t *testing.T, name string) *liveDaemon {
	t.Helper()

	logger := zap.NewNop()
	dataDir := t.TempDir()

	store := identity.NewStore(filepath.Join(dataDir, "identity.json"))
	self := persistIdentity(t, store, name)

	server, err := network.Listen("127.0.0.1:0", network.ServerOptions{Logger: logger})
	if err != nil {
		t.Fatalf("network.Listen() error = %v", err)
	}

	socketDir, err := os.MkdirTemp("", "lcd")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })
	gateway, err := control.Listen(filepath.Join(socketDir, "d.sock"), control.GatewayOptions{Logger: logger})
	if err != nil {
		t.Fatalf("control.Listen() error = %v", err)
	}

	history, err := storage.OpenPath(filepath.Join(dataDir, "history.db"))
	if err != nil {
		t.Fatalf("storage.OpenPath() error = %v", err)
	}

	d := &liveDaemon{
		self:      self,
		server:    server,
		gateway:   gateway,
		directory: newFakeDirectory(),
		history:   history,
		done:      make(chan error, 1),
	}

	dispatcher, err := New(Options{
		Port:          server.Addr().(*net.TCPAddr).Port,
		Directory:     d.directory,
		Fabric:        server,
		Sender:        network.NewSender(time.Second),
		Gateway:       gateway,
		Identity:      store,
		History:       history,
		Logger:        logger,
		ShutdownGrace: time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		d.done <- dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		d.stop(t)
		_ = history.Close()
	})
	return d
}

type frontEnd struct {
	t      *testing.T
	conn   net.Conn
	reader *network.LineReader
}

func attachFrontEnd(t *testing.T, d *liveDaemon) *frontEnd {
	t.Helper()

	conn, err := net.Dial("unix", d.gateway.Path())
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &frontEnd{t: t, conn: conn, reader: network.NewLineReader(conn)}
}

func (f *frontEnd) command(v any) {
	f.t.Helper()
	if err := network.WriteLine(f.conn, v); err != nil {
		f.t.Fatalf("write command: %v", err)
	}
}

// await reads pushes until one of msgType arrives and decodes it into out.
func (f *frontEnd) await(msgType string, out any) {
	f.t.Helper()

	_ = f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer func() { _ = f.conn.SetReadDeadline(time.Time{}) }()

	for {
		line, err := f.reader.Next()
		if err != nil {
			f.t.Fatalf("waiting for %s: %v", msgType, err)
		}
		got, err := control.DecodeMessageType(line)
		if err != nil {
			f.t.Fatalf("decode push %q: %v", line, err)
		}
		if got != msgType {
			continue
		}
		if err := json.Unmarshal(line, out); err != nil {
			f.t.Fatalf("unmarshal %s: %v", msgType, err)
		}
		return
	}
}

func TestTwoDaemonsExchangeMessages(t *testing.T) {
	alice := startLiveDaemon(t, "alice")
	bob := startLiveDaemon(t, "bob")
	alice.directory.add(bob.peer())
	bob.directory.add(alice.peer())

	aliceUI := attachFrontEnd(t, alice)
	bobUI := attachFrontEnd(t, bob)

	var info control.IdentityInfo
	aliceUI.await(control.TypeIdentityInfo, &info)
	if info.Identity != alice.self {
		t.Fatalf("unexpected identity %+v", info.Identity)
	}
	bobUI.await(control.TypeIdentityInfo, &info)

	aliceUI.command(map[string]string{
		"type":         control.TypeSendMessage,
		"recipient_id": bob.self.GlobalID,
		"body":         "hello bob\nsecond line",
	})

	var echo control.NewMessage
	aliceUI.await(control.TypeNewMessage, &echo)
	if echo.Message.Origin != models.OriginSelf {
		t.Fatalf("expected self echo, got %+v", echo.Message)
	}

	var received control.NewMessage
	bobUI.await(control.TypeNewMessage, &received)
	if received.Message.ID != echo.Message.ID || received.Message.Body != "hello bob\nsecond line" {
		t.Fatalf("bob received %+v, alice sent %+v", received.Message, echo.Message)
	}
	if received.Message.SenderID != alice.self.GlobalID || received.Message.Origin != models.OriginRemote {
		t.Fatalf("unexpected inbound %+v", received.Message)
	}

	var confirmed control.DeliveryConfirmed
	aliceUI.await(control.TypeDeliveryConfirmed, &confirmed)
	if confirmed.MessageID != echo.Message.ID {
		t.Fatalf("confirmed %q, want %q", confirmed.MessageID, echo.Message.ID)
	}

	bobUI.command(map[string]any{
		"type":    control.TypeRequestHistory,
		"peer_id": alice.self.GlobalID,
	})
	var history control.HistoryResponse
	bobUI.await(control.TypeHistoryResponse, &history)
	if len(history.Messages) != 1 || history.Messages[0].ID != echo.Message.ID {
		t.Fatalf("unexpected history %+v", history.Messages)
	}
}

func TestSendToStoppedPeerFailsPromptly(t *testing.T) {
	alice := startLiveDaemon(t, "alice")
	bob := startLiveDaemon(t, "bob")
	alice.directory.add(bob.peer())

	aliceUI := attachFrontEnd(t, alice)
	var info control.IdentityInfo
	aliceUI.await(control.TypeIdentityInfo, &info)

	bob.stop(t)

	started := time.Now()
	aliceUI.command(map[string]string{
		"type":         control.TypeSendMessage,
		"recipient_id": bob.self.GlobalID,
		"body":         "are you there?",
	})

	var failed control.DeliveryFailed
	aliceUI.await(control.TypeDeliveryFailed, &failed)
	if failed.Reason != string(network.FailureUnreachable) {
		t.Fatalf("expected unreachable, got %q", failed.Reason)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("failure took %s", elapsed)
	}
}

func TestSendToUnknownPeerReturnsError(t *testing.T) {
	alice := startLiveDaemon(t, "alice")
	aliceUI := attachFrontEnd(t, alice)
	var info control.IdentityInfo
	aliceUI.await(control.TypeIdentityInfo, &info)

	aliceUI.command(map[string]string{
		"type":         control.TypeSendMessage,
		"recipient_id": "nobody#00000000",
		"body":         "hello?",
	})

	var reply control.ErrorMessage
	aliceUI.await(control.TypeError, &reply)
	if reply.RecipientID != "nobody#00000000" {
		t.Fatalf("unexpected error reply %+v", reply)
	}
}

func TestMisaddressedRecordIsRejectedToSender(t *testing.T) {
	alice := startLiveDaemon(t, "alice")
	aliceUI := attachFrontEnd(t, alice)
	var info control.IdentityInfo
	aliceUI.await(control.TypeIdentityInfo, &info)

	sender := network.NewSender(time.Second)
	address := alice.peer().Address()

	err := sender.Send(context.Background(), address, network.WireMessage{
		ID:          "stray",
		SenderID:    "bob#bbbbbbbb",
		RecipientID: "carol#cccccccc",
		Body:        "wrong door",
		SentAt:      time.Now().UnixMilli(),
	})
	if err == nil {
		t.Fatalf("expected misaddressed record to be rejected")
	}
	if reason := network.ReasonOf(err); reason != network.FailureRejected {
		t.Fatalf("expected %q, got %q (%v)", network.FailureRejected, reason, err)
	}

	err = sender.Send(context.Background(), address, network.WireMessage{
		ID:          "addressed",
		SenderID:    "bob#bbbbbbbb",
		RecipientID: info.Identity.GlobalID,
		Body:        "right door",
		SentAt:      time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("expected addressed record accepted, got %v", err)
	}

	var pushed control.NewMessage
	aliceUI.await(control.TypeNewMessage, &pushed)
	if pushed.Message.ID != "addressed" {
		t.Fatalf("expected only the addressed record pushed, got %+v", pushed.Message)
	}
	if _, _, err := alice.history.GetMessage("stray"); err == nil {
		t.Fatalf("did not expect the rejected record in history")
	}
}
