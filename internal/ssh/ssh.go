// Package ssh provides the remote shell the registration flow talks to.
// A Conn wraps one SSH client connection to a virtual machine and
// implements runner.Connection on top of it.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kballard/go-shellquote"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/terrpan/vmrunner/internal/runner"
)

// Launch modes.
const (
	// LaunchNohup backgrounds the command with nohup so it survives the
	// session.
	LaunchNohup = "nohup"

	// LaunchTerminal opens the command in Terminal.app (macOS guests).
	// The runner then lives in the logged-in user's GUI session.
	LaunchTerminal = "terminal"
)

// DefaultKeepAliveMaxMissed is used when Config.KeepAliveMaxMissed is
// zero.
const DefaultKeepAliveMaxMissed = 3

// ErrKeepAliveTimeout is returned by Wait when the peer stopped
// answering keepalive requests.
var ErrKeepAliveTimeout = errors.New("ssh: keepalive timed out")

// Config holds the connection settings shared by every machine.
type Config struct {
	User string

	// PrivateKey is a PEM encoded private key.  Password is tried as
	// well when set.
	PrivateKey []byte
	Password   string

	// KnownHostsPath verifies host keys.  InsecureIgnoreHostKey
	// disables verification, which is common for freshly cloned VMs
	// whose host keys change on every boot.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	// LaunchMode is LaunchNohup (default) or LaunchTerminal.
	LaunchMode string

	// Timeout bounds the TCP connect and SSH handshake.  Zero means no
	// limit beyond ctx.
	Timeout time.Duration

	// KeepAliveInterval is how often Wait pings the peer.  Zero
	// disables keepalives, so only a closed socket ends Wait.
	KeepAliveInterval time.Duration
	// KeepAliveMaxMissed is how many intervals may pass without a reply
	// before the connection is dropped.
	KeepAliveMaxMissed int
}

// Conn is an established SSH connection to one machine.
type Conn struct {
	client     *gossh.Client
	launchMode string
	logger     *slog.Logger

	keepAliveInterval  time.Duration
	keepAliveMaxMissed int
}

// Compile-time check.
var _ runner.Connection = (*Conn)(nil)

// ClientConfig builds the x/crypto/ssh client configuration from cfg.
func ClientConfig(cfg Config) (*gossh.ClientConfig, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh: user is required")
	}

	var methods []gossh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := gossh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("ssh: parsing private key: %w", err)
		}
		methods = append(methods, gossh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, gossh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: no authentication method configured")
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	return &gossh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}, nil
}

func hostKeyCallback(cfg Config) (gossh.HostKeyCallback, error) {
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("ssh: parsing known_hosts %s: %w", cfg.KnownHostsPath, err)
		}
		return cb, nil
	}
	if cfg.InsecureIgnoreHostKey {
		return gossh.InsecureIgnoreHostKey(), nil
	}
	return nil, errors.New("ssh: no host key policy configured: set known_hosts_path or insecure_ignore_host_key")
}

// Dial connects to addr and performs the SSH handshake.
func Dial(ctx context.Context, addr string, cfg Config, logger *slog.Logger) (*Conn, error) {
	clientCfg, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// NewClientConn ignores ctx; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	c, chans, reqs, err := gossh.NewClientConn(netConn, addr, clientCfg)
	stop()
	if err != nil {
		netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	mode := cfg.LaunchMode
	if mode == "" {
		mode = LaunchNohup
	}

	maxMissed := cfg.KeepAliveMaxMissed
	if maxMissed <= 0 {
		maxMissed = DefaultKeepAliveMaxMissed
	}

	logger.Debug("ssh connection established", slog.String("addr", addr))

	return &Conn{
		client:             gossh.NewClient(c, chans, reqs),
		launchMode:         mode,
		logger:             logger,
		keepAliveInterval:  cfg.KeepAliveInterval,
		keepAliveMaxMissed: maxMissed,
	}, nil
}

// Execute runs command in a new session and returns its combined
// output.  A non-zero exit status is reported as *gossh.ExitError.
func (c *Conn) Execute(ctx context.Context, command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh: new session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	out, err := session.CombinedOutput(command)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(out), ctxErr
	}
	return string(out), err
}

// Launch starts command detached from the session and returns as soon
// as the remote shell has handed it off.
func (c *Conn) Launch(ctx context.Context, command string) error {
	line, err := launchCommand(c.launchMode, command)
	if err != nil {
		return err
	}
	c.logger.Debug("launching detached command", slog.String("mode", c.launchMode))
	_, err = c.Execute(ctx, line)
	return err
}

func launchCommand(mode, command string) (string, error) {
	switch mode {
	case LaunchNohup, "":
		return "nohup sh -c " + shellquote.Join(command) + " >/dev/null 2>&1 &", nil
	case LaunchTerminal:
		return "open -a Terminal " + quotePath(command), nil
	default:
		return "", fmt.Errorf("ssh: unsupported launch mode %q", mode)
	}
}

// quotePath quotes p as one shell word.  A leading "~/" stays bare so
// the remote shell still expands it.
func quotePath(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return "~/" + shellquote.Join(rest)
	}
	return shellquote.Join(p)
}

// Wait blocks until the connection is closed, typically because the
// machine shut down, or until ctx is done.  With keepalives enabled a
// peer that vanished without closing the socket ends Wait with
// ErrKeepAliveTimeout.
func (c *Conn) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.client.Close() })
	defer stop()

	var dead atomic.Bool
	if c.keepAliveInterval > 0 {
		done := make(chan struct{})
		defer close(done)
		go c.keepAlive(done, &dead)
	}

	err := c.client.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if dead.Load() {
		return ErrKeepAliveTimeout
	}
	return err
}

// keepAlive sends one keepalive request per interval and closes the
// client after keepAliveMaxMissed intervals without a reply.  At most
// one request is in flight.
func (c *Conn) keepAlive(done <-chan struct{}, dead *atomic.Bool) {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	replies := make(chan error, 1)
	pending := false
	missed := 0
	for {
		select {
		case <-done:
			return
		case err := <-replies:
			if err != nil {
				return
			}
			pending = false
			missed = 0
		case <-ticker.C:
			if !pending {
				pending = true
				go func() {
					// Any reply, even a refusal, proves the peer is alive.
					_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
					replies <- err
				}()
				continue
			}
			missed++
			if missed >= c.keepAliveMaxMissed {
				c.logger.Warn("ssh keepalive timed out, dropping connection", slog.Int("missed", missed))
				dead.Store(true)
				_ = c.client.Close()
				return
			}
		}
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	err := c.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
