package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig configures an SSH transport. The session runs over the
// standard streams of a remote command, typically the BBS's forwarding
// front-end.
type SSHConfig struct {
	Address     string              // "host:port" format
	User        string
	Password    string              // Password auth when no Signer is given
	Signer      ssh.Signer          // Public-key auth
	HostKey     ssh.HostKeyCallback // nil = accept any host key
	Command     string              // Remote command; empty starts a shell
	DialTimeout time.Duration
}

// SSH is a Transport over the stdin/stdout of a remote SSH command
type SSH struct {
	cfg SSHConfig

	mu      sync.RWMutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// NewSSH creates an unopened SSH transport
func NewSSH(cfg SSHConfig) *SSH {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SSH{cfg: cfg}
}

// Open dials the SSH server, starts the remote command and wires its
// standard streams
func (s *SSH) Open(ctx context.Context) error {
	if s.cfg.Address == "" || s.cfg.User == "" {
		return &Error{Op: "open", Err: fmt.Errorf("address and user are required")}
	}

	var auth []ssh.AuthMethod
	if s.cfg.Signer != nil {
		auth = append(auth, ssh.PublicKeys(s.cfg.Signer))
	}
	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}

	hostKey := s.cfg.HostKey
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	client, err := ssh.Dial("tcp", s.cfg.Address, &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.DialTimeout,
	})
	if err != nil {
		return &Error{Op: "open", Err: fmt.Errorf("dial %s: %w", s.cfg.Address, err)}
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return &Error{Op: "open", Err: fmt.Errorf("new session: %w", err)}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &Error{Op: "open", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &Error{Op: "open", Err: err}
	}

	if s.cfg.Command != "" {
		err = session.Start(s.cfg.Command)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		client.Close()
		return &Error{Op: "open", Err: fmt.Errorf("start remote: %w", err)}
	}

	s.mu.Lock()
	s.client = client
	s.session = session
	s.stdin = stdin
	s.stdout = stdout
	s.mu.Unlock()
	return nil
}

func (s *SSH) Read(p []byte) (int, error) {
	s.mu.RLock()
	stdout := s.stdout
	s.mu.RUnlock()
	if stdout == nil {
		return 0, &Error{Op: "read", Err: fmt.Errorf("not open")}
	}
	n, err := stdout.Read(p)
	return n, wrapErr("read", err)
}

func (s *SSH) Write(p []byte) (int, error) {
	s.mu.RLock()
	stdin := s.stdin
	s.mu.RUnlock()
	if stdin == nil {
		return 0, &Error{Op: "write", Err: fmt.Errorf("not open")}
	}
	n, err := stdin.Write(p)
	return n, wrapErr("write", err)
}

// Close tears down the session and the SSH connection
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return wrapErr("close", err)
	}
	return nil
}
