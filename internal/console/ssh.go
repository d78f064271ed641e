package console

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kstaniek/go-sut-driver/internal/evloop"
	"github.com/kstaniek/go-sut-driver/internal/tty"
)

// SSHConfig names an SSH endpoint and credentials.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

func (c SSHConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c SSHConfig) clientConfig() *ssh.ClientConfig {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.Password(c.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
}

// sessionConn adapts an ssh.Session's stdin/stdout pipes into the
// evloop.Conn interface: one blocking Write, one Read that the event loop
// polls on its own cadence.
type sessionConn struct {
	stdin  io.WriteCloser
	stdout io.Reader
}

func (c *sessionConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *sessionConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

// SSH is a console backed by an interactive shell session over SSH. It
// additionally supports ExecSeparate, a one-shot command execution over a
// fresh channel that never touches the interactive shell's history.
type SSH struct {
	*tty.Tty
	client  *ssh.Client
	session *ssh.Session
}

// DialSSH connects, opens an interactive shell, and spawns its event loop
// wrapped in a Tty configured with setting.
func DialSSH(cfg SSHConfig, setting tty.Setting, logFile string) (*SSH, error) {
	client, err := ssh.Dial("tcp", cfg.addr(), cfg.clientConfig())
	if err != nil {
		return nil, fmt.Errorf("ssh dial: %w", err)
	}
	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, err
	}
	if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("ssh pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("ssh shell: %w", err)
	}

	ctl, err := evloop.Spawn(&sessionConn{stdin: stdin, stdout: stdout}, logFile, nil)
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, err
	}

	return &SSH{
		Tty:     tty.New(ctl, tty.ANSIDecoder{}, setting),
		client:  client,
		session: session,
	}, nil
}

// ExecSeparate runs cmd over a fresh SSH channel, independent of the
// interactive shell's history, and returns its exit status and its stdout
// and stderr combined. Unlike Exec on the interactive Tty, no tag/anchor protocol is
// needed: the channel's own exit-status carries the code directly.
func (s *SSH) ExecSeparate(cmd string, timeout time.Duration) (int, string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return 0, "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err == nil {
			return 0, out.String(), nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return exitErr.ExitStatus(), out.String(), nil
		}
		return 0, "", fmt.Errorf("ssh exec: %w", err)
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		return 0, "", fmt.Errorf("ssh exec: %w", tty.ErrTimeout)
	}
}

// Stop terminates the event loop and tears down the session and client.
func (s *SSH) Stop() {
	s.StopEvLoop()
	_ = s.session.Close()
	_ = s.client.Close()
}
