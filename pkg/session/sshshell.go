package session

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
)

// ShellConfig carries the SSH settings for lab VM shells.
type ShellConfig struct {
	User        string
	Password    string
	KeyPath     string
	Port        int
	DialTimeout time.Duration
}

// SSHShellFactory opens interactive shells over SSH, resolving the guest
// address through the gateway.
type SSHShellFactory struct {
	resolver gateway.AddressResolver
	cfg      ShellConfig
}

// NewSSHShellFactory builds a factory. At least one of Password or KeyPath
// must be set for authentication to succeed.
func NewSSHShellFactory(resolver gateway.AddressResolver, cfg ShellConfig) *SSHShellFactory {
	if cfg.User == "" {
		cfg.User = "student"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SSHShellFactory{resolver: resolver, cfg: cfg}
}

// OpenShell dials the VM, requests a pty and starts the login shell.
func (f *SSHShellFactory) OpenShell(ctx context.Context, vmName string) (io.ReadWriteCloser, error) {
	logger := zerolog.Ctx(ctx)

	addr, err := f.resolver.Address(ctx, vmName)
	if err != nil {
		return nil, errors.Errorf("resolving address of VM %s: %w", vmName, err)
	}

	var auth []ssh.AuthMethod
	if f.cfg.KeyPath != "" {
		key, err := os.ReadFile(f.cfg.KeyPath)
		if err != nil {
			return nil, errors.Errorf("reading SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Errorf("parsing SSH key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if f.cfg.Password != "" {
		auth = append(auth, ssh.Password(f.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no SSH authentication configured")
	}

	config := &ssh.ClientConfig{
		User: f.cfg.User,
		Auth: auth,
		// lab VMs are cloned and short-lived, their host keys are not stable
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         f.cfg.DialTimeout,
	}

	hostport := net.JoinHostPort(addr, strconv.Itoa(f.cfg.Port))
	logger.Debug().Str("vm", vmName).Str("addr", hostport).Msg("Dialing VM shell")

	client, err := ssh.Dial("tcp", hostport, config)
	if err != nil {
		return nil, errors.Errorf("dialing %s: %w", hostport, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.Errorf("creating SSH session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, errors.Errorf("requesting pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, errors.Errorf("opening shell stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, errors.Errorf("opening shell stdout: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, errors.Errorf("starting shell: %w", err)
	}

	return &sshShell{client: client, sess: sess, stdin: stdin, stdout: stdout}, nil
}

// sshShell bundles an SSH session into the stream shape the relay expects.
type sshShell struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (s *sshShell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Close() error {
	// session close often reports EOF after the shell already exited
	s.sess.Close()
	return s.client.Close()
}
