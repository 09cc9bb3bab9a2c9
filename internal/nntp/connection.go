// Package nntp implements the NNTP client stack: single connections,
// bounded per-provider pools and a multi-provider failover manager.
package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command timeouts. Multiline responses carry article bodies and get a
// much larger budget than single-line status exchanges.
const (
	ConnectTimeout   = 30 * time.Second
	CommandTimeout   = 30 * time.Second
	MultilineTimeout = 300 * time.Second
)

// ServerConfig describes one NNTP provider endpoint.
type ServerConfig struct {
	Name           string
	Host           string
	Port           int
	TLS            bool
	InsecureTLS    bool
	Username       string
	Password       string
	MaxConnections int
	Priority       int
}

// Address returns the host:port dial target.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Label returns a human-readable provider identifier for logs and
// failover error aggregation.
func (c ServerConfig) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Address()
}

// State tracks the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// GroupInfo is the parsed 211 response of a GROUP command.
type GroupInfo struct {
	Count int64
	Low   int64
	High  int64
	Name  string
}

// Connection is a single NNTP connection with exclusive-use semantics.
// It is not safe for concurrent commands; the pool guarantees exclusive
// ownership between Acquire and Release.
type Connection struct {
	cfg  ServerConfig
	log  *slog.Logger
	conn net.Conn
	text *textproto.Conn

	mu    sync.Mutex
	state State
}

// Connect dials the server, consumes the greeting and authenticates if
// credentials are configured. The returned connection is in StateReady.
func Connect(ctx context.Context, cfg ServerConfig) (*Connection, error) {
	c := &Connection{
		cfg: cfg,
		log: slog.Default().With("component", "nntp-connection", "provider", cfg.Label()),
	}
	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := &net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("dial %s: %w", c.cfg.Address(), wrapNetErr(err))
	}

	if c.cfg.TLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         c.cfg.Host,
			InsecureSkipVerify: c.cfg.InsecureTLS,
		})
		handshakeCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
		err = tlsConn.HandshakeContext(handshakeCtx)
		cancel()
		if err != nil {
			conn.Close()
			c.setState(StateError)
			return fmt.Errorf("tls handshake with %s: %w", c.cfg.Address(), wrapNetErr(err))
		}
		conn = tlsConn
	}

	c.conn = conn
	c.text = textproto.NewConn(conn)

	// Greeting: 200 (posting allowed) or 201 (read-only).
	c.deadline(CommandTimeout)
	code, message, err := c.text.ReadCodeLine(20)
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("read greeting: %w", c.commandErr(err))
	}
	if code != 200 && code != 201 {
		c.setState(StateError)
		return statusError(code, message)
	}
	c.setState(StateConnected)
	c.log.DebugContext(ctx, "Connected to NNTP server", "greeting_code", code)

	if c.cfg.Username != "" {
		if err := c.authenticate(ctx); err != nil {
			c.setState(StateError)
			return err
		}
	}

	c.setState(StateReady)
	return nil
}

// authenticate performs the AUTHINFO USER/PASS handshake. Servers that
// consider the USER alone sufficient answer 281 immediately.
func (c *Connection) authenticate(ctx context.Context) error {
	c.setState(StateAuthenticating)
	c.log.DebugContext(ctx, "Authenticating", "username", c.cfg.Username, "password", "***")

	code, message, err := c.command("AUTHINFO USER %s", c.cfg.Username)
	if err != nil {
		return fmt.Errorf("AUTHINFO USER: %w", err)
	}
	if code == 281 {
		return nil
	}
	if code != 381 {
		return fmt.Errorf("%w: AUTHINFO USER answered %d %s", ErrAuthRejected, code, message)
	}

	code, message, err = c.command("AUTHINFO PASS %s", c.cfg.Password)
	if err != nil {
		return fmt.Errorf("AUTHINFO PASS: %w", err)
	}
	if code != 281 {
		return fmt.Errorf("%w: AUTHINFO PASS answered %d %s", ErrAuthRejected, code, message)
	}
	return nil
}

// Body issues BODY and returns the raw multiline body with the dot
// terminator stripped and dot-stuffed lines unstuffed.
func (c *Connection) Body(ctx context.Context, messageID string) ([]byte, error) {
	return c.multiline(ctx, 222, "BODY %s", FormatMessageID(messageID))
}

// Article issues ARTICLE and returns headers and body as transmitted.
func (c *Connection) Article(ctx context.Context, messageID string) ([]byte, error) {
	return c.multiline(ctx, 220, "ARTICLE %s", FormatMessageID(messageID))
}

// Stat reports whether the server holds the article. 223 means present;
// 430/420 mean absent without being an error.
func (c *Connection) Stat(ctx context.Context, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	code, message, err := c.command("STAT %s", FormatMessageID(messageID))
	if err != nil {
		return false, err
	}
	switch code {
	case 223:
		return true, nil
	case 420, 430:
		return false, nil
	default:
		return false, statusError(code, message)
	}
}

// Group selects a newsgroup and returns its article counters.
func (c *Connection) Group(ctx context.Context, name string) (GroupInfo, error) {
	if err := ctx.Err(); err != nil {
		return GroupInfo{}, err
	}
	code, message, err := c.command("GROUP %s", name)
	if err != nil {
		return GroupInfo{}, err
	}
	if code != 211 {
		return GroupInfo{}, statusError(code, message)
	}
	fields := strings.Fields(message)
	if len(fields) < 4 {
		return GroupInfo{}, &ProtocolError{Code: code, Message: message}
	}
	info := GroupInfo{Name: fields[3]}
	info.Count, _ = strconv.ParseInt(fields[0], 10, 64)
	info.Low, _ = strconv.ParseInt(fields[1], 10, 64)
	info.High, _ = strconv.ParseInt(fields[2], 10, 64)
	return info, nil
}

// Quit sends QUIT best-effort and closes the socket.
func (c *Connection) Quit() error {
	if c.text != nil && c.State() == StateReady {
		c.deadline(5 * time.Second)
		_, _, _ = c.command("QUIT")
	}
	return c.Close()
}

// Close tears the socket down. The connection must be discarded.
func (c *Connection) Close() error {
	c.setState(StateDisconnected)
	if c.text != nil {
		err := c.text.Close()
		c.text = nil
		c.conn = nil
		return err
	}
	return nil
}

// IsReady reports whether the connection can accept commands.
func (c *Connection) IsReady() bool {
	return c.State() == StateReady
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Provider returns the owning provider label.
func (c *Connection) Provider() string {
	return c.cfg.Label()
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// command runs a single-line exchange under the 30s command deadline.
func (c *Connection) command(format string, args ...any) (int, string, error) {
	if c.text == nil {
		return 0, "", ErrConnectionClosed
	}
	c.deadline(CommandTimeout)
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		c.setState(StateDisconnected)
		return 0, "", wrapNetErr(err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	code, message, err := c.text.ReadCodeLine(-1)
	if err != nil {
		if protoErr, ok := err.(*textproto.Error); ok {
			return protoErr.Code, protoErr.Msg, nil
		}
		c.setState(StateDisconnected)
		return 0, "", wrapNetErr(err)
	}
	return code, message, nil
}

// multiline runs a command expecting a dot-terminated body. The body is
// read under the long multiline deadline.
func (c *Connection) multiline(ctx context.Context, wantCode int, format string, args ...any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.text == nil {
		return nil, ErrConnectionClosed
	}

	c.deadline(CommandTimeout)
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, wrapNetErr(err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, message, err := c.text.ReadCodeLine(-1)
	if err != nil {
		if protoErr, ok := err.(*textproto.Error); ok {
			code, message = protoErr.Code, protoErr.Msg
		} else {
			c.setState(StateDisconnected)
			return nil, wrapNetErr(err)
		}
	}
	if code != wantCode {
		return nil, statusError(code, message)
	}

	c.deadline(MultilineTimeout)
	body, err := c.text.ReadDotBytes()
	if err != nil {
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("read multiline body: %w", wrapNetErr(err))
	}
	return body, nil
}

func (c *Connection) deadline(d time.Duration) {
	if c.conn != nil {
		_ = c.conn.SetDeadline(time.Now().Add(d))
	}
}

// commandErr maps low-level read failures that occur before any status
// line was parsed.
func (c *Connection) commandErr(err error) error {
	if protoErr, ok := err.(*textproto.Error); ok {
		return statusError(protoErr.Code, protoErr.Msg)
	}
	return wrapNetErr(err)
}

func wrapNetErr(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}
	return err
}

// FormatMessageID wraps a message ID in angle brackets if the NZB did
// not already carry them.
func FormatMessageID(id string) string {
	trimmed := strings.TrimSpace(id)
	if strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") {
		return trimmed
	}
	return "<" + strings.Trim(trimmed, "<>") + ">"
}
