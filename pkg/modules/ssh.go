package modules

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshCommandTimeout = 30 * time.Second

// sshDial opens a password-authenticated SSH connection. Host key
// checking is disabled: discovery targets are reached by IP and rarely
// have stable host keys.
func sshDial(ctx context.Context, host, user, password string, timeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	// Old network gear often only speaks legacy key exchanges.
	cfg.KeyExchanges = append(cfg.KeyExchanges,
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group1-sha1",
		"diffie-hellman-group-exchange-sha1",
	)
	cfg.Ciphers = append(cfg.Ciphers,
		"aes128-cbc", "aes192-cbc", "aes256-cbc", "3des-cbc",
	)

	addr := net.JoinHostPort(host, "22")
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// sshRun executes one command and returns its combined output. A
// non-zero exit still yields the output; network gear exits non-zero
// for benign reasons.
func sshRun(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	var output []byte
	go func() {
		var runErr error
		output, runErr = session.CombinedOutput(cmd)
		done <- runErr
	}()

	select {
	case err := <-done:
		if err != nil {
			if _, ok := err.(*ssh.ExitError); ok {
				return string(output), nil
			}
			return "", fmt.Errorf("command failed: %w", err)
		}
		return string(output), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case <-time.After(sshCommandTimeout):
		session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("command timed out")
	}
}
