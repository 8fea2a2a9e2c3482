package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// ServerConfig describes one article server.
type ServerConfig struct {
	Host           string `mapstructure:"host" yaml:"host" validate:"required"`
	Port           int    `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
	SSL            bool   `mapstructure:"ssl" yaml:"ssl"`
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections" validate:"min=0"`

	// Priority orders servers for the weighted and failover strategies.
	// Lower is preferred.
	Priority int `mapstructure:"priority" yaml:"priority"`
}

// Name returns the server identity used as the pool key.
func (c *ServerConfig) Name() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Capabilities is the feature set probed from a connection.
type Capabilities struct {
	PostingAllowed bool
	RetentionDays  int
	MaxConnections int
}

// Conn is one authenticated server connection. Not safe for concurrent use;
// the pool hands each connection to one borrower at a time.
type Conn struct {
	server ServerConfig
	nc     net.Conn
	text   *textproto.Conn

	caps Capabilities

	// Rotation accounting, maintained by the pool.
	articles int64
	bytes    int64
	lastUsed time.Time
}

const dialTimeout = 30 * time.Second

// Dial connects and authenticates in one step. The connection layer retries
// connect/authenticate transients exactly once.
func Dial(ctx context.Context, server ServerConfig) (*Conn, error) {
	conn, err := dialOnce(ctx, server)
	if err == nil || !retryable(err) {
		return conn, err
	}
	logger.DebugCtx(ctx, "reconnecting after transient dial failure",
		logger.Server(server.Name()), logger.Err(err))
	return dialOnce(ctx, server)
}

func dialOnce(ctx context.Context, server ServerConfig) (*Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", server.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", server.Name(), err)
	}

	if server.SSL {
		tlsConn := tls.Client(nc, &tls.Config{ServerName: server.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake with %s failed: %w", server.Name(), err)
		}
		nc = tlsConn
	}

	c := &Conn{
		server:   server,
		nc:       nc,
		text:     textproto.NewConn(nc),
		lastUsed: time.Now(),
	}

	// Greeting: 200 posting allowed, 201 posting prohibited.
	code, _, err := c.text.ReadCodeLine(2)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("bad greeting from %s: %w", server.Name(), err)
	}
	c.caps.PostingAllowed = code == 200

	if server.Username != "" {
		if err := c.authenticate(ctx); err != nil {
			c.close()
			return nil, err
		}
	}

	c.probeCapabilities()
	return c, nil
}

func (c *Conn) authenticate(ctx context.Context) error {
	c.applyDeadline(ctx)

	id, err := c.text.Cmd("AUTHINFO USER %s", c.server.Username)
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	code, line, err := c.text.ReadCodeLine(-1)
	c.text.EndResponse(id)
	if err != nil && code == 0 {
		return err
	}
	switch code {
	case 281:
		return nil
	case 381:
		// Password requested.
	default:
		return classifyStatus(code, line)
	}

	id, err = c.text.Cmd("AUTHINFO PASS %s", c.server.Password)
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	code, line, err = c.text.ReadCodeLine(-1)
	c.text.EndResponse(id)
	if err != nil && code == 0 {
		return err
	}
	if code != 281 {
		return classifyStatus(code, line)
	}
	return nil
}

// probeCapabilities issues CAPABILITIES and records what the server
// advertises. Servers without the command keep the greeting-derived set.
func (c *Conn) probeCapabilities() {
	id, err := c.text.Cmd("CAPABILITIES")
	if err != nil {
		return
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, _, err := c.text.ReadCodeLine(-1)
	if err != nil && code == 0 {
		return
	}
	if code != 101 {
		return
	}
	lines, err := c.text.ReadDotLines()
	if err != nil {
		return
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "POST":
			c.caps.PostingAllowed = true
		case "RETENTION":
			if len(fields) > 1 {
				if days, err := strconv.Atoi(fields[1]); err == nil {
					c.caps.RetentionDays = days
				}
			}
		case "MAXCONNECTIONS":
			if len(fields) > 1 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					c.caps.MaxConnections = n
				}
			}
		}
	}
}

// Capabilities returns the probed feature set.
func (c *Conn) Capabilities() Capabilities {
	return c.caps
}

// Server returns the owning server's configuration.
func (c *Conn) Server() ServerConfig {
	return c.server
}

// Post transmits one article. The caller owns retry policy; a refused status
// surfaces classified.
func (c *Conn) Post(ctx context.Context, article *Article) error {
	if !c.caps.PostingAllowed {
		return ErrPostingNotAllowed
	}
	c.applyDeadline(ctx)

	id, err := c.text.Cmd("POST")
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, line, err := c.text.ReadCodeLine(-1)
	if err != nil && code == 0 {
		return err
	}
	if code != 340 {
		return classifyStatus(code, line)
	}

	w := c.text.DotWriter()
	if _, err := w.Write([]byte(article.headerBlock())); err != nil {
		w.Close()
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		w.Close()
		return err
	}
	if _, err := w.Write(article.Body); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	code, line, err = c.text.ReadCodeLine(-1)
	if err != nil && code == 0 {
		return err
	}
	if code != 240 {
		return classifyStatus(code, line)
	}

	c.articles++
	c.bytes += article.Size()
	c.lastUsed = time.Now()
	return nil
}

// Body fetches the body lines of one article by message id.
func (c *Conn) Body(ctx context.Context, messageID string) ([]string, error) {
	lines, _, err := c.fetch(ctx, "BODY", messageID, 222)
	return lines, err
}

// Head fetches the header lines of one article by message id.
func (c *Conn) Head(ctx context.Context, messageID string) ([]string, error) {
	lines, _, err := c.fetch(ctx, "HEAD", messageID, 221)
	return lines, err
}

// ArticleByID fetches headers and body. The returned header lines run up to
// the first empty line; the rest is the body.
func (c *Conn) ArticleByID(ctx context.Context, messageID string) (headers, body []string, err error) {
	lines, _, err := c.fetch(ctx, "ARTICLE", messageID, 220)
	if err != nil {
		return nil, nil, err
	}
	for i, line := range lines {
		if line == "" {
			return lines[:i], lines[i+1:], nil
		}
	}
	return lines, nil, nil
}

// Stat probes for article existence without transferring it.
func (c *Conn) Stat(ctx context.Context, messageID string) error {
	c.applyDeadline(ctx)

	id, err := c.text.Cmd("STAT %s", messageID)
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, line, err := c.text.ReadCodeLine(-1)
	if err != nil && code == 0 {
		return err
	}
	if code != 223 {
		return classifyStatus(code, line)
	}
	c.lastUsed = time.Now()
	return nil
}

func (c *Conn) fetch(ctx context.Context, verb, messageID string, want int) ([]string, int64, error) {
	c.applyDeadline(ctx)

	id, err := c.text.Cmd("%s %s", verb, messageID)
	if err != nil {
		return nil, 0, err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, line, err := c.text.ReadCodeLine(-1)
	if err != nil && code == 0 {
		return nil, 0, err
	}
	if code != want {
		return nil, 0, classifyStatus(code, line)
	}

	lines, err := c.text.ReadDotLines()
	if err != nil {
		return nil, 0, err
	}

	var n int64
	for _, l := range lines {
		n += int64(len(l)) + 2
	}
	c.articles++
	c.bytes += n
	c.lastUsed = time.Now()
	return lines, n, nil
}

// applyDeadline projects the context deadline onto the socket so blocked
// reads unwind when the operation is cancelled.
func (c *Conn) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		c.nc.SetDeadline(deadline)
	} else {
		c.nc.SetDeadline(time.Time{})
	}
}

// Quit sends a polite goodbye and closes the connection.
func (c *Conn) Quit() error {
	id, err := c.text.Cmd("QUIT")
	if err == nil {
		c.text.StartResponse(id)
		c.text.ReadCodeLine(205)
		c.text.EndResponse(id)
	}
	return c.close()
}

func (c *Conn) close() error {
	return c.text.Close()
}
