package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/fleetsync/pkg/types"
)

const (
	MethodSSH           = "ssh"
	defaultPort         = 22
	defaultUser         = "ec2-user"
	defaultProbeTimeout = 10 * time.Second
)

// ErrNoAddress is returned when a launch channel is requested for an empty address
var ErrNoAddress = errors.New("instance has no address")

// Connector builds the channel the cluster uses to start a worker process
// on a new instance
type Connector interface {
	Launch(ctx context.Context, address string) (types.LaunchChannel, error)
}

// Func adapts a function to the Connector interface
type Func func(ctx context.Context, address string) (types.LaunchChannel, error)

func (f Func) Launch(ctx context.Context, address string) (types.LaunchChannel, error) {
	return f(ctx, address)
}

// Config configures the SSH connector
type Config struct {
	User           string
	Port           int
	PrivateKeyFile string
	PrivateKey     []byte // Takes precedence over PrivateKeyFile
	// Probe dials every new worker before it is registered
	Probe        bool
	ProbeTimeout time.Duration
}

var _ Connector = (*SSHConnector)(nil)

// SSHConnector describes workers reachable over SSH with a shared key
type SSHConnector struct {
	cfg         Config
	signer      ssh.Signer
	fingerprint string
	logger      zerolog.Logger
}

// NewSSHConnector parses the configured private key once. Without a key the
// connector still produces launch channels but cannot probe or dial.
func NewSSHConnector(cfg Config, logger zerolog.Logger) (*SSHConnector, error) {
	if cfg.User == "" {
		cfg.User = defaultUser
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	c := &SSHConnector{
		cfg:    cfg,
		logger: logger.With().Str("component", "connector").Logger(),
	}

	key := cfg.PrivateKey
	if len(key) == 0 && cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		key = data
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		c.signer = signer
		c.fingerprint = ssh.FingerprintSHA256(signer.PublicKey())
	}

	if cfg.Probe && c.signer == nil {
		return nil, errors.New("probe requires a private key")
	}
	return c, nil
}

// Fingerprint returns the SHA256 fingerprint of the configured key
func (c *SSHConnector) Fingerprint() string {
	return c.fingerprint
}

// Launch returns the SSH launch channel for address, probing it first when
// configured to
func (c *SSHConnector) Launch(ctx context.Context, address string) (types.LaunchChannel, error) {
	if address == "" {
		return types.LaunchChannel{}, ErrNoAddress
	}
	ch := types.LaunchChannel{
		Method:         MethodSSH,
		Address:        address,
		Port:           c.cfg.Port,
		User:           c.cfg.User,
		KeyFingerprint: c.fingerprint,
	}

	if c.cfg.Probe {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		defer cancel()

		client, err := c.Dial(ctx, ch)
		if err != nil {
			return types.LaunchChannel{}, fmt.Errorf("ssh probe %s failed: %w", address, err)
		}
		client.Close()
		c.logger.Debug().Str("address", address).Msg("SSH probe succeeded")
	}
	return ch, nil
}

// Dial opens an SSH session to the worker described by ch
func (c *SSHConnector) Dial(ctx context.Context, ch types.LaunchChannel) (*ssh.Client, error) {
	if c.signer == nil {
		return nil, errors.New("no private key configured")
	}
	if ch.Address == "" {
		return nil, ErrNoAddress
	}
	addr := net.JoinHostPort(ch.Address, strconv.Itoa(ch.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User: ch.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		// Fleet instances boot with freshly generated host keys
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.ProbeTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}
