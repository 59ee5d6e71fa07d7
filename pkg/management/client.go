package management

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	connectTimeout   = 1 * time.Second
	readWriteTimeout = 8 * time.Second
	authTimeout      = 3 * time.Second
)

var ErrAuthFailed = errors.New("mgmt: authentication failed")

type Client struct {
	socketPath string
	password   string
}

func NewClient(socketPath, password string) *Client {
	return &Client{socketPath: socketPath, password: password}
}

// IsServerStarted reports whether a server answers ping on the socket.
func (c *Client) IsServerStarted() bool {
	res, err := c.SendCommand("ping")
	return err == nil && res == pongString
}

// SendCommand runs one command on a fresh connection and returns the
// response without its end marker. An empty command asks for help.
func (c *Client) SendCommand(command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		command = "help"
	}

	conn, err := net.DialTimeout("unix", c.socketPath, connectTimeout)
	if err != nil {
		return "", fmt.Errorf("mgmt: connect to %s (is the daemon running?): %w", c.socketPath, err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if c.password != "" {
		conn.SetDeadline(time.Now().Add(authTimeout))
		if _, err := fmt.Fprintf(conn, "%s\n", c.password); err != nil {
			return "", fmt.Errorf("mgmt: send password: %w", err)
		}
		resp, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("mgmt: read auth response: %w", err)
		}
		if strings.TrimSpace(resp) != okAuthString {
			return "", ErrAuthFailed
		}
	}

	conn.SetDeadline(time.Now().Add(readWriteTimeout))
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("mgmt: send command: %w", err)
	}
	resp, err := recvMessage(reader)
	if err != nil {
		return "", fmt.Errorf("mgmt: read response: %w", err)
	}
	return resp, nil
}

// recvMessage reads lines up to the end marker and undoes dot escaping.
func recvMessage(r *bufio.Reader) (string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == endOfMessage {
			return strings.Join(lines, "\n"), nil
		}
		if strings.HasPrefix(line, endOfMessage+endOfMessage) {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}
