package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

// HostSpec option keys understood by the SSH dialer.
const (
	OptionPassword       = "ssh_password"
	OptionPrivateKeyFile = "ssh_private_key_file"
	OptionStrictHostKeys = "ssh_strict_host_keys"
)

const defaultSSHPort = 22

// SSHDialerConfig tunes the SSH dialer.
type SSHDialerConfig struct {
	// ConnectTimeout bounds the TCP and handshake phase of each dial.
	ConnectTimeout time.Duration
	// DefaultUser is used when a host spec names no user.
	DefaultUser string
	// HostKeyCallback overrides host key verification. Nil selects
	// InsecureIgnoreHostKey unless the host opts into strict checking.
	HostKeyCallback ssh.HostKeyCallback
}

// SSHDialer establishes transport sessions over SSH. Authentication tries,
// in order: an explicit password, an explicit private key file, the user's
// default keys, and finally the SSH agent. Safe for concurrent use.
type SSHDialer struct {
	config SSHDialerConfig
	log    fflog.Logger
}

// NewSSHDialer creates an SSH dialer. Panics if log is nil.
func NewSSHDialer(config SSHDialerConfig, log fflog.Logger) *SSHDialer {
	if log == nil {
		panic("connection.NewSSHDialer requires a non-nil logger")
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &SSHDialer{config: config, log: log.With("component", "SSHDialer")}
}

var _ transport.Dialer = (*SSHDialer)(nil)

// Dial opens an SSH connection to the host and wraps it as a Session.
func (d *SSHDialer) Dial(ctx context.Context, host transport.HostSpec) (transport.Session, error) {
	authMethods, err := d.authMethods(host)
	if err != nil {
		return nil, err
	}

	userName := host.User
	if userName == "" {
		userName = d.config.DefaultUser
	}
	if userName == "" {
		if current, err := user.Current(); err == nil {
			userName = current.Username
		}
	}

	clientConfig := &ssh.ClientConfig{
		User:            userName,
		Auth:            authMethods,
		HostKeyCallback: d.hostKeyCallback(host),
		Timeout:         d.config.ConnectTimeout,
	}

	address := host.Address
	if address == "" {
		address = host.Name
	}
	port := host.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := fmt.Sprintf("%s:%d", address, port)

	// ssh.Dial has no context form; dial the TCP leg with the context and
	// hand the connection to the SSH handshake.
	netConn, err := (&net.Dialer{Timeout: d.config.ConnectTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	d.log.Debugf("Established SSH session to %s (host '%s')", addr, host.Name)
	return &sshSession{client: client, host: host}, nil
}

// authMethods builds the authentication chain for a host.
func (d *SSHDialer) authMethods(host transport.HostSpec) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if password := host.Options[OptionPassword]; password != "" {
		methods = append(methods, ssh.Password(password))
	}

	if keyPath := host.Options[OptionPrivateKeyFile]; keyPath != "" {
		signer, err := loadSigner(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if current, err := user.Current(); err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			signer, err := loadSigner(filepath.Join(current.HomeDir, ".ssh", name))
			if err != nil {
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			d.log.Debugf("SSH agent unavailable: %v", err)
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication methods available for host '%s'", host.Name)
	}
	return methods, nil
}

func (d *SSHDialer) hostKeyCallback(host transport.HostSpec) ssh.HostKeyCallback {
	if host.Options[OptionStrictHostKeys] == "true" && d.config.HostKeyCallback != nil {
		return d.config.HostKeyCallback
	}
	if d.config.HostKeyCallback != nil {
		return d.config.HostKeyCallback
	}
	return ssh.InsecureIgnoreHostKey()
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// sshSession is a transport.Session backed by one *ssh.Client. Each Exec
// opens a fresh SSH channel on the shared connection.
type sshSession struct {
	client *ssh.Client
	host   transport.HostSpec
}

var _ transport.Session = (*sshSession)(nil)

func (s *sshSession) Host() transport.HostSpec { return s.host }

// Exec runs a command and waits for it. Non-zero exit codes are reported in
// the result; err is reserved for transport failures.
func (s *sshSession) Exec(ctx context.Context, command string) (*transport.ExecResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH channel: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Best effort: signal the remote process, then abandon the channel.
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}

	result := &transport.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("remote command transport failure: %w", err)
	}
	return result, nil
}

// Upload copies src to remotePath over SFTP.
func (s *sshSession) Upload(ctx context.Context, src io.Reader, remotePath string, perm uint32) error {
	sftpClient, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("failed to open SFTP subsystem: %w", err)
	}
	defer sftpClient.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if perm != 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(perm)); err != nil {
			return fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)
		}
	}
	return nil
}

// Ping sends an SSH keepalive request to verify the connection is live.
func (s *sshSession) Ping(ctx context.Context) error {
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
