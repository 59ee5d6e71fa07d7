// Package management serves a line oriented control protocol on a unix
// socket. Each request is one line; each response is any number of lines
// followed by a line holding a single ".".
package management

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"overlay-go/pkg/appdir"
	"overlay-go/pkg/log"

	"github.com/rs/zerolog"
)

const (
	pongString    = "OK: pong"
	okAuthString  = "OK: authenticated"
	nokAuthString = "NOK: authentication failed"
	endOfMessage  = "."

	idleTimeout     = 30 * time.Second
	authReadTimeout = 5 * time.Second
	defaultLogLines = 20
)

// DefaultSocketPath places the socket of app in the application directory.
func DefaultSocketPath(app string) string {
	return appdir.Path(app + ".sock")
}

// CommandHandler receives the words following the command name.
type CommandHandler func(args []string) (string, error)

type CommandInfo struct {
	Handler     CommandHandler
	Description string
}

type Server struct {
	socketPath string
	password   string
	startTime  time.Time

	mu       sync.RWMutex
	handlers map[string]CommandInfo

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer prepares a server on socketPath. An empty password disables
// authentication.
func NewServer(socketPath, password string) *Server {
	s := &Server{
		socketPath: socketPath,
		password:   password,
		startTime:  time.Now(),
		handlers:   make(map[string]CommandInfo),
	}
	s.RegisterHandler("status", "Show daemon status and uptime", s.handleStatus)
	s.RegisterHandler("ping", "Check that the management interface answers", s.handlePing)
	s.RegisterHandler("logs", "Show recent log entries. Usage: logs [count] [pretty]", s.handleLogs)
	s.RegisterHandler("help", "Show help for commands. Usage: help [command]", s.handleHelp)
	s.RegisterHandler("list", "Alias for 'help'", s.handleHelp)
	return s
}

func (s *Server) SocketPath() string { return s.socketPath }

// RegisterHandler adds or replaces a command. Names are case-insensitive.
func (s *Server) RegisterHandler(command, description string, handler CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.ToLower(command)
	if _, exists := s.handlers[name]; exists {
		log.Printf("mgmt: overwriting handler for command %q", name)
	}
	s.handlers[name] = CommandInfo{Handler: handler, Description: description}
	log.Debug().Str("command", name).Msg("mgmt: registered handler")
}

// Listen binds the socket, replacing a stale socket file left by a previous run.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("mgmt: create socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("mgmt: could not remove stale socket %s: %v", s.socketPath, err)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("mgmt: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		log.Printf("mgmt: could not restrict socket permissions: %v", err)
	}
	s.listener = l
	log.Printf("mgmt: listening on %s", s.socketPath)
	return nil
}

// Serve accepts connections until ctx is done, then waits for open
// connections and removes the socket file. Listen is called if needed.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()

	var err error
	for {
		conn, aerr := s.listener.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = fmt.Errorf("mgmt: accept: %w", aerr)
			}
			break
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}

	s.listener.Close()
	s.wg.Wait()
	if rerr := os.Remove(s.socketPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		log.Printf("mgmt: error removing socket file %s: %v", s.socketPath, rerr)
	}
	log.Printf("mgmt: server stopped")
	return err
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if s.password != "" {
		conn.SetReadDeadline(time.Now().Add(authReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimSpace(line) != s.password {
			log.Printf("mgmt: authentication failed")
			fmt.Fprintln(writer, nokAuthString)
			writer.Flush()
			return
		}
		fmt.Fprintln(writer, okAuthString)
		if writer.Flush() != nil {
			return
		}
	}

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("mgmt: connection closed")
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" {
			writeMessage(writer, "OK: Bye!")
			return
		}
		if err := writeMessage(writer, s.Execute(line)); err != nil {
			log.Printf("mgmt: error writing response: %v", err)
			return
		}
	}
}

// Execute runs one command line and returns the response text.
func (s *Server) Execute(line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "Error: empty command. Try 'help'."
	}
	command := strings.ToLower(parts[0])

	s.mu.RLock()
	info, ok := s.handlers[command]
	s.mu.RUnlock()
	if !ok {
		log.Printf("mgmt: received unknown command: %s", command)
		return fmt.Sprintf("Error: Unknown command '%s'. Try 'help'.", command)
	}
	resp, err := info.Handler(parts[1:])
	if err != nil {
		log.Printf("mgmt: handler error for command '%s': %v", command, err)
		return fmt.Sprintf("Error: %s: %v", command, err)
	}
	return resp
}

// writeMessage sends body followed by the end marker. Body lines equal to the
// marker are escaped by doubling the dot.
func writeMessage(w *bufio.Writer, body string) error {
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		if strings.HasPrefix(line, endOfMessage) {
			line = endOfMessage + line
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(endOfMessage + "\n"); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) handleStatus([]string) (string, error) {
	uptime := time.Since(s.startTime).Round(time.Second)
	return fmt.Sprintf("OK: Daemon running. Uptime: %s", uptime), nil
}

func (s *Server) handlePing([]string) (string, error) {
	return pongString, nil
}

func (s *Server) handleLogs(args []string) (string, error) {
	n, pretty := defaultLogLines, false
	for _, a := range args {
		if a == "pretty" {
			pretty = true
			continue
		}
		v, err := strconv.Atoi(a)
		if err != nil || v <= 0 {
			return "", fmt.Errorf("invalid count %q", a)
		}
		n = v
	}

	entries, err := log.GetLastNLogs(n)
	if err != nil {
		return "", err
	}
	var raw strings.Builder
	for _, e := range entries {
		raw.WriteString(strings.TrimRight(e.LogData, "\n"))
		raw.WriteString("\n")
	}
	if !pretty {
		return strings.TrimRight(raw.String(), "\n"), nil
	}
	return prettyLogs(raw.String()), nil
}

// prettyLogs renders JSON log lines through zerolog's console writer.
func prettyLogs(jsonLines string) string {
	var b bytes.Buffer
	cw := zerolog.ConsoleWriter{Out: &b, TimeFormat: time.RFC3339, NoColor: true}
	sc := bufio.NewScanner(strings.NewReader(jsonLines))
	for sc.Scan() {
		if _, err := cw.Write(sc.Bytes()); err != nil {
			b.WriteString(sc.Text())
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) handleHelp(args []string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	if len(args) > 0 {
		name := strings.ToLower(args[0])
		info, ok := s.handlers[name]
		if !ok {
			return fmt.Sprintf("Error: Unknown command '%s'. Try 'help' for a list.", name), nil
		}
		fmt.Fprintf(&b, "OK: Help for '%s':\n  %s", name, info.Description)
		return b.String(), nil
	}

	cmds := make([]string, 0, len(s.handlers))
	width := 0
	for cmd := range s.handlers {
		cmds = append(cmds, cmd)
		width = max(width, len(cmd))
	}
	sort.Strings(cmds)

	b.WriteString("OK: Available commands:\n")
	for _, cmd := range cmds {
		fmt.Fprintf(&b, "  %-*s  %s\n", width, cmd, s.handlers[cmd].Description)
	}
	b.WriteString("\nUse 'help <command>' for more details on a specific command.")
	return b.String(), nil
}
