package node

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/radionet-labs/radionet/pkg/util"
)

// Runner executes shell commands on the host that owns a node. The local
// runner covers single-host sessions; the SSH runner covers nodes placed on
// a distributed backend.
type Runner interface {
	// Run executes cmd and waits, returning combined output.
	Run(cmd, cwd string) (string, error)
	// Start executes cmd without waiting for completion.
	Start(cmd, cwd string) error
}

// LocalRunner executes commands on the local host via the shell.
type LocalRunner struct{}

func (LocalRunner) Run(cmd, cwd string) (string, error) {
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Dir = cwd
	output, err := c.CombinedOutput()
	if err != nil {
		status := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
		}
		return string(output), util.NewCommandError(cmd, status, string(output))
	}
	return string(output), nil
}

func (LocalRunner) Start(cmd, cwd string) error {
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Dir = cwd
	if err := c.Start(); err != nil {
		return fmt.Errorf("node: start %q: %w", cmd, err)
	}
	// Reap in the background so the child doesn't become a zombie
	go c.Wait()
	return nil
}

// SSHRunner executes commands on a remote host over SSH. The connection is
// established on first use and reused for subsequent commands.
type SSHRunner struct {
	Addr     string // host:port
	User     string
	Password string

	mu     sync.Mutex
	client *ssh.Client
}

func (r *SSHRunner) dial() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	config := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.Password(r.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", r.Addr, config)
	if err != nil {
		return nil, fmt.Errorf("node: SSH dial %s: %w", r.Addr, err)
	}
	r.client = client
	return client, nil
}

func (r *SSHRunner) Run(cmd, cwd string) (string, error) {
	client, err := r.dial()
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("node: SSH session %s: %w", r.Addr, err)
	}
	defer session.Close()
	if cwd != "" {
		cmd = fmt.Sprintf("cd %s && %s", cwd, cmd)
	}
	output, err := session.CombinedOutput(cmd)
	if err != nil {
		status := -1
		if exitErr, ok := err.(*ssh.ExitError); ok {
			status = exitErr.ExitStatus()
		}
		return string(output), util.NewCommandError(cmd, status, string(output))
	}
	return string(output), nil
}

func (r *SSHRunner) Start(cmd, cwd string) error {
	// nohup + background so the remote command outlives the SSH session;
	// Run puts the cd in front, so nohup wraps the command itself
	_, err := r.Run(fmt.Sprintf("nohup %s > /dev/null 2>&1 &", cmd), cwd)
	return err
}

// Close tears down the SSH connection, if one was established.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
