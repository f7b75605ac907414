package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"localchat/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_localchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPeerStaleAfter evicts peers not announced for this long.
	DefaultPeerStaleAfter = 45 * time.Second

	defaultRetryInitialInterval = time.Second
	defaultRetryMaxInterval     = 30 * time.Second

	txtGlobalID    = "global_id"
	txtDisplayName = "display_name"
	txtVersion     = "version"

	fallbackInstanceName = "LocalChat"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS registration and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	PeerStaleAfter  time.Duration

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Logger *zap.Logger
	Now    func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = DefaultPeerStaleAfter
	}
	if out.RetryInitialInterval <= 0 {
		out.RetryInitialInterval = defaultRetryInitialInterval
	}
	if out.RetryMaxInterval <= 0 {
		out.RetryMaxInterval = defaultRetryMaxInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// InstanceName builds the mDNS instance label for an identity: the display name
// reduced to ASCII letters and digits, then "_" and the suffix.
func InstanceName(self models.Identity) string {
	var b strings.Builder
	for _, r := range self.DisplayName {
		if r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		name = fallbackInstanceName
	}
	return name + "_" + self.Suffix
}

func (c Config) txtRecords(self models.Identity) []string {
	return []string{
		txtGlobalID + "=" + self.GlobalID,
		txtDisplayName + "=" + self.DisplayName,
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
}

// register advertises self until it succeeds or ctx ends. Failures are
// reported through onFailure before each backoff wait.
func (c Config) register(ctx context.Context, self models.Identity, port int, onFailure func(error)) (*zeroconf.Server, error) {
	var server *zeroconf.Server
	instance := InstanceName(self)
	txt := c.txtRecords(self)

	operation := func() error {
		s, err := c.registerFn(instance, c.Service, c.Domain, port, txt, nil)
		if err != nil {
			return fmt.Errorf("register mDNS service: %w", err)
		}
		server = s
		return nil
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = c.RetryInitialInterval
	schedule.MaxInterval = c.RetryMaxInterval
	schedule.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.Logger.Warn("mDNS registration failed, retrying",
			zap.Error(err),
			zap.Duration("retry_in", wait),
		)
		onFailure(err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(schedule, ctx), notify); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		shutdownServer(server)
		return nil, ctx.Err()
	}
	return server, nil
}

func shutdownServer(server *zeroconf.Server) {
	if server == nil {
		return
	}
	server.Shutdown()
}

func validateRegistration(self models.Identity, port int) error {
	if strings.TrimSpace(self.GlobalID) == "" {
		return errors.New("self global ID is required")
	}
	if strings.TrimSpace(self.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if port <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}
