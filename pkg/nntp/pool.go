package nntp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// PoolConfig configures the connection pool.
type PoolConfig struct {
	Servers  []ServerConfig
	Strategy RotationStrategy

	// AcquireTimeout bounds the wait for a free connection.
	AcquireTimeout time.Duration

	// IdleWindow is how long an idle connection stays warm before it is
	// discarded at the next acquire.
	IdleWindow time.Duration

	// MaxArticlesPerConn and MaxBytesPerConn rotate a connection out after
	// it has carried this much traffic, guarding against server-side
	// per-connection throttling.
	MaxArticlesPerConn int64
	MaxBytesPerConn    int64

	Retry     RetryPolicy
	Bandwidth *BandwidthLimiter
}

// ApplyDefaults fills in missing configuration with default values.
func (c *PoolConfig) ApplyDefaults() {
	if c.Strategy == "" {
		c.Strategy = RotationRoundRobin
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.IdleWindow == 0 {
		c.IdleWindow = 5 * time.Minute
	}
	if c.MaxArticlesPerConn == 0 {
		c.MaxArticlesPerConn = 1000
	}
	if c.MaxBytesPerConn == 0 {
		c.MaxBytesPerConn = 1 << 30
	}
	if c.Retry.MaxRetries == 0 && c.Retry.BaseDelay == 0 {
		c.Retry = DefaultRetryPolicy
	}
	for i := range c.Servers {
		if c.Servers[i].Port == 0 {
			if c.Servers[i].SSL {
				c.Servers[i].Port = 563
			} else {
				c.Servers[i].Port = 119
			}
		}
		if c.Servers[i].MaxConnections == 0 {
			c.Servers[i].MaxConnections = 4
		}
	}
}

// poolServer is the per-server pool state: a bounded slot set capping total
// connections and a channel of warm idle connections.
type poolServer struct {
	config ServerConfig
	slots  chan struct{}
	idle   chan *Conn
	health serverHealth
	active atomic.Int64
}

// Pool owns every raw server connection in the process; all posting and
// fetching goes through it.
type Pool struct {
	config   PoolConfig
	servers  []*poolServer
	byName   map[string]*poolServer
	rotation rotation
	closed   atomic.Bool
}

// NewPool builds a pool from configuration. No connections are dialed until
// first use.
func NewPool(config PoolConfig) (*Pool, error) {
	config.ApplyDefaults()
	if len(config.Servers) == 0 {
		return nil, ErrNoServers
	}

	p := &Pool{
		config:   config,
		byName:   make(map[string]*poolServer, len(config.Servers)),
		rotation: rotation{strategy: config.Strategy},
	}
	for _, sc := range config.Servers {
		ps := &poolServer{
			config: sc,
			slots:  make(chan struct{}, sc.MaxConnections),
			idle:   make(chan *Conn, sc.MaxConnections),
		}
		for i := 0; i < sc.MaxConnections; i++ {
			ps.slots <- struct{}{}
		}
		p.servers = append(p.servers, ps)
		p.byName[sc.Name()] = ps
	}
	return p, nil
}

// PooledConn is a borrowed connection. Exactly one of Release or the pool's
// Close returns it.
type PooledConn struct {
	*Conn
	server *poolServer
	pool   *Pool
}

// Acquire borrows a connection, preferring the named server when given. The
// wait is bounded by the configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context, prefer string) (*PooledConn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	order := p.rotation.order(p.servers, prefer, time.Now())

	// First pass: any server with a warm connection or a free slot.
	for _, name := range order {
		ps := p.byName[name]
		if pc, err := p.tryAcquire(ctx, ps); err == nil && pc != nil {
			return pc, nil
		} else if err != nil && errors.Is(err, ErrAuthRejected) {
			return nil, err
		}
	}

	// Every server is at capacity: block on the best candidate.
	ps := p.byName[order[0]]
	select {
	case <-ctx.Done():
		return nil, ErrAcquireTimeout
	case conn := <-ps.idle:
		return p.vetIdle(ctx, ps, conn)
	case <-ps.slots:
		return p.dialSlot(ctx, ps)
	}
}

// tryAcquire grabs a warm or new connection without blocking on capacity.
func (p *Pool) tryAcquire(ctx context.Context, ps *poolServer) (*PooledConn, error) {
	select {
	case conn := <-ps.idle:
		return p.vetIdle(ctx, ps, conn)
	default:
	}
	select {
	case <-ps.slots:
		return p.dialSlot(ctx, ps)
	default:
	}
	return nil, nil
}

// vetIdle hands out a warm connection, replacing it when it has gone stale
// or exhausted its rotation caps.
func (p *Pool) vetIdle(ctx context.Context, ps *poolServer, conn *Conn) (*PooledConn, error) {
	if time.Since(conn.lastUsed) > p.config.IdleWindow || p.rotationExceeded(conn) {
		conn.Quit()
		return p.dialSlot(ctx, ps)
	}
	ps.active.Add(1)
	return &PooledConn{Conn: conn, server: ps, pool: p}, nil
}

// dialSlot dials a fresh connection for a held slot, returning the slot on
// failure.
func (p *Pool) dialSlot(ctx context.Context, ps *poolServer) (*PooledConn, error) {
	start := time.Now()
	conn, err := Dial(ctx, ps.config)
	ps.health.Record(time.Since(start), err != nil)
	if err != nil {
		ps.slots <- struct{}{}
		return nil, err
	}
	ps.active.Add(1)
	return &PooledConn{Conn: conn, server: ps, pool: p}, nil
}

func (p *Pool) rotationExceeded(conn *Conn) bool {
	return conn.articles >= p.config.MaxArticlesPerConn ||
		conn.bytes >= p.config.MaxBytesPerConn
}

// Release returns a borrowed connection. A connection that saw an error is
// torn down; a healthy one goes back to the warm set unless its rotation
// caps are spent.
func (p *Pool) Release(pc *PooledConn, opErr error) {
	ps := pc.server
	ps.active.Add(-1)

	if opErr != nil || p.closed.Load() || p.rotationExceeded(pc.Conn) {
		pc.Conn.Quit()
		ps.slots <- struct{}{}
		return
	}

	select {
	case ps.idle <- pc.Conn:
	default:
		pc.Conn.Quit()
		ps.slots <- struct{}{}
	}
}

// PostArticle posts one article, retrying per policy and moving to the next
// server in rotation order on each retry when several are configured.
// Returns the name of the server that accepted the post.
func (p *Pool) PostArticle(ctx context.Context, article *Article) (string, error) {
	if article.MessageID == "" {
		article.MessageID = NewMessageID()
	}

	if p.config.Bandwidth != nil {
		if err := p.config.Bandwidth.WaitUpload(ctx, article.Size()); err != nil {
			return "", err
		}
	}

	order := p.rotation.order(p.servers, "", time.Now())
	attempt := 0
	var acceptedBy string

	err := p.config.Retry.withRetry(ctx, "post", func() error {
		prefer := order[attempt%len(order)]
		attempt++

		pc, err := p.Acquire(ctx, prefer)
		if err != nil {
			return err
		}

		start := time.Now()
		err = pc.Post(ctx, article)
		pc.server.health.Record(time.Since(start), err != nil)
		p.Release(pc, err)
		if err != nil {
			logger.WarnCtx(ctx, "post failed",
				logger.Server(pc.server.config.Name()),
				logger.MessageID(article.MessageID),
				logger.Err(err))
			return err
		}
		acceptedBy = pc.server.config.Name()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to post article %s: %w", article.MessageID, err)
	}
	return acceptedBy, nil
}

// FetchArticle fetches headers and body lines by message id, trying the
// preferred server first and rotating through the rest. A server answering
// "no such article" is skipped without burning a retry; the error stands
// only when every server has answered it.
func (p *Pool) FetchArticle(ctx context.Context, messageID, prefer string) (headers, body []string, err error) {
	order := p.rotation.order(p.servers, prefer, time.Now())

	missing := 0
	for _, name := range order {
		h, b, ferr := p.fetchFrom(ctx, name, messageID)
		if ferr == nil {
			return h, b, nil
		}
		if errors.Is(ferr, ErrNoSuchArticle) {
			missing++
			continue
		}
		err = ferr
	}
	if missing == len(order) {
		return nil, nil, ErrNoSuchArticle
	}
	if err == nil {
		err = ErrNoServers
	}
	return nil, nil, err
}

// FetchBody fetches only the body lines by message id with the same server
// rotation as FetchArticle.
func (p *Pool) FetchBody(ctx context.Context, messageID, prefer string) ([]string, error) {
	order := p.rotation.order(p.servers, prefer, time.Now())

	missing := 0
	var lastErr error
	for _, name := range order {
		var body []string
		err := p.config.Retry.withRetry(ctx, "body", func() error {
			pc, err := p.Acquire(ctx, name)
			if err != nil {
				return err
			}
			start := time.Now()
			lines, n, err := pc.fetch(ctx, "BODY", messageID, 222)
			pc.server.health.Record(time.Since(start), err != nil && !errors.Is(err, ErrNoSuchArticle))
			p.Release(pc, releaseErr(err))
			if err != nil {
				return err
			}
			if p.config.Bandwidth != nil {
				if werr := p.config.Bandwidth.WaitDownload(ctx, n); werr != nil {
					return werr
				}
			}
			body = lines
			return nil
		})
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrNoSuchArticle) {
			missing++
			continue
		}
		lastErr = err
	}
	if missing == len(order) {
		return nil, ErrNoSuchArticle
	}
	if lastErr == nil {
		lastErr = ErrNoServers
	}
	return nil, lastErr
}

func (p *Pool) fetchFrom(ctx context.Context, server, messageID string) (headers, body []string, err error) {
	err = p.config.Retry.withRetry(ctx, "article", func() error {
		pc, aerr := p.Acquire(ctx, server)
		if aerr != nil {
			return aerr
		}
		start := time.Now()
		h, b, ferr := pc.ArticleByID(ctx, messageID)
		pc.server.health.Record(time.Since(start), ferr != nil && !errors.Is(ferr, ErrNoSuchArticle))
		p.Release(pc, releaseErr(ferr))
		if ferr != nil {
			return ferr
		}
		headers, body = h, b
		return nil
	})
	return headers, body, err
}

// releaseErr decides whether an operation error should tear the connection
// down. A clean protocol refusal leaves the connection usable.
func releaseErr(err error) error {
	if err == nil || errors.Is(err, ErrNoSuchArticle) {
		return nil
	}
	var status *StatusError
	if errors.As(err, &status) {
		return nil
	}
	return err
}

// ServerStats is one server's pool and health snapshot.
type ServerStats struct {
	Server      string
	Active      int64
	Idle        int
	FailureRate float64
	Latency     time.Duration
	Healthy     bool
}

// Stats snapshots every server for the status surface and metrics.
func (p *Pool) Stats() []ServerStats {
	now := time.Now()
	out := make([]ServerStats, 0, len(p.servers))
	for _, ps := range p.servers {
		out = append(out, ServerStats{
			Server:      ps.config.Name(),
			Active:      ps.active.Load(),
			Idle:        len(ps.idle),
			FailureRate: ps.health.FailureRate(),
			Latency:     ps.health.Latency(),
			Healthy:     ps.health.Healthy(now),
		})
	}
	return out
}

// Close drains every warm connection and marks the pool closed. In-flight
// borrowers tear their connections down on Release.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, ps := range p.servers {
		for {
			select {
			case conn := <-ps.idle:
				conn.Quit()
			default:
				goto next
			}
		}
	next:
	}
}
