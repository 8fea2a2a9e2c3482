package nntp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks just enough of the protocol to exercise the client:
// greeting, AUTHINFO, CAPABILITIES, POST, BODY, ARTICLE, STAT, QUIT.
type fakeServer struct {
	ln net.Listener

	mu       sync.Mutex
	articles map[string][]string // message id -> body lines
	posted   int
	rejects  int // next N posts answered 441

	username string
	password string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &fakeServer{ln: ln, articles: make(map[string][]string)}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) config() ServerConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Username:       s.username,
		Password:       s.password,
		MaxConnections: 2,
	}
}

func (s *fakeServer) store(messageID string, body []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[messageID] = body
}

func (s *fakeServer) postedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posted
}

func (s *fakeServer) rejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = n
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	authed := s.username == ""

	fmt.Fprintf(w, "200 fake server ready\r\n")
	w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "AUTHINFO":
			if len(fields) >= 3 && strings.EqualFold(fields[1], "USER") {
				fmt.Fprintf(w, "381 password required\r\n")
			} else if len(fields) >= 3 && strings.EqualFold(fields[1], "PASS") {
				if fields[2] == s.password {
					authed = true
					fmt.Fprintf(w, "281 authentication accepted\r\n")
				} else {
					fmt.Fprintf(w, "481 authentication failed\r\n")
				}
			} else {
				fmt.Fprintf(w, "501 syntax error\r\n")
			}

		case "CAPABILITIES":
			fmt.Fprintf(w, "101 capability list follows\r\nVERSION 2\r\nPOST\r\nRETENTION 3000\r\nMAXCONNECTIONS 8\r\n.\r\n")

		case "POST":
			if !authed {
				fmt.Fprintf(w, "480 authentication required\r\n")
				break
			}
			s.mu.Lock()
			reject := s.rejects > 0
			if reject {
				s.rejects--
			}
			s.mu.Unlock()

			fmt.Fprintf(w, "340 send article\r\n")
			w.Flush()
			article, err := readDotBlock(r)
			if err != nil {
				return
			}
			if reject {
				fmt.Fprintf(w, "441 posting failed, try later\r\n")
				break
			}
			msgID := ""
			inHeaders := true
			var body []string
			for _, l := range article {
				if inHeaders {
					if l == "" {
						inHeaders = false
						continue
					}
					if strings.HasPrefix(l, "Message-ID: ") {
						msgID = strings.TrimPrefix(l, "Message-ID: ")
					}
					continue
				}
				body = append(body, l)
			}
			s.mu.Lock()
			s.articles[msgID] = body
			s.posted++
			s.mu.Unlock()
			fmt.Fprintf(w, "240 article received\r\n")

		case "BODY", "ARTICLE", "HEAD", "STAT":
			if len(fields) < 2 {
				fmt.Fprintf(w, "501 syntax error\r\n")
				break
			}
			s.mu.Lock()
			body, ok := s.articles[fields[1]]
			s.mu.Unlock()
			if !ok {
				fmt.Fprintf(w, "430 no such article\r\n")
				break
			}
			switch strings.ToUpper(fields[0]) {
			case "STAT":
				fmt.Fprintf(w, "223 0 %s\r\n", fields[1])
			case "BODY":
				fmt.Fprintf(w, "222 0 %s\r\n", fields[1])
				writeDotBlock(w, body)
			case "HEAD":
				fmt.Fprintf(w, "221 0 %s\r\n", fields[1])
				writeDotBlock(w, []string{"Subject: x", "Message-ID: " + fields[1]})
			case "ARTICLE":
				fmt.Fprintf(w, "220 0 %s\r\n", fields[1])
				lines := []string{"Subject: x", "Message-ID: " + fields[1], ""}
				writeDotBlock(w, append(lines, body...))
			}

		case "QUIT":
			fmt.Fprintf(w, "205 bye\r\n")
			w.Flush()
			return

		default:
			fmt.Fprintf(w, "500 unknown command\r\n")
		}
		w.Flush()
	}
}

func readDotBlock(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return lines, nil
		}
		lines = append(lines, strings.TrimPrefix(line, ".."))
	}
}

func writeDotBlock(w *bufio.Writer, lines []string) {
	for _, l := range lines {
		if strings.HasPrefix(l, ".") {
			l = "." + l
		}
		fmt.Fprintf(w, "%s\r\n", l)
	}
	fmt.Fprintf(w, ".\r\n")
}

func newTestPool(t *testing.T, servers ...*fakeServer) *Pool {
	t.Helper()
	cfg := PoolConfig{
		AcquireTimeout: 5 * time.Second,
		Retry:          RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
	}
	for _, s := range servers {
		cfg.Servers = append(cfg.Servers, s.config())
	}
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPostAndFetchRoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	pool := newTestPool(t, srv)
	ctx := context.Background()

	article := &Article{
		Subject: "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567",
		Group:   "alt.binaries.test",
		Body:    []byte("UNS/1 sid=deadbeef r=0\r\n=ybegin line=128 size=3 name=s\r\nabc\r\n=yend size=3\r\n"),
	}

	server, err := pool.PostArticle(ctx, article)
	if err != nil {
		t.Fatalf("PostArticle failed: %v", err)
	}
	if server == "" {
		t.Error("expected accepting server name")
	}
	if article.MessageID == "" {
		t.Fatal("expected a generated message id")
	}

	body, err := pool.FetchBody(ctx, article.MessageID, "")
	if err != nil {
		t.Fatalf("FetchBody failed: %v", err)
	}
	if len(body) == 0 || body[0] != "UNS/1 sid=deadbeef r=0" {
		t.Errorf("unexpected body: %v", body)
	}

	headers, _, err := pool.FetchArticle(ctx, article.MessageID, "")
	if err != nil {
		t.Fatalf("FetchArticle failed: %v", err)
	}
	found := false
	for _, h := range headers {
		if strings.HasPrefix(h, "Message-ID: ") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected message-id header, got %v", headers)
	}
}

func TestPostRetriesTransientRejection(t *testing.T) {
	srv := newFakeServer(t)
	srv.rejectNext(2)
	pool := newTestPool(t, srv)

	article := &Article{
		Subject: "subject",
		Group:   "alt.binaries.test",
		Body:    []byte("payload\r\n"),
	}
	if _, err := pool.PostArticle(context.Background(), article); err != nil {
		t.Fatalf("post should succeed after transient rejections: %v", err)
	}
	if srv.postedCount() != 1 {
		t.Errorf("expected exactly one stored article, got %d", srv.postedCount())
	}
}

func TestPostExhaustsRetries(t *testing.T) {
	srv := newFakeServer(t)
	srv.rejectNext(10)
	pool := newTestPool(t, srv)

	article := &Article{Subject: "s", Group: "g", Body: []byte("x\r\n")}
	if _, err := pool.PostArticle(context.Background(), article); err == nil {
		t.Fatal("expected failure after retry exhaustion")
	}
	if srv.postedCount() != 0 {
		t.Errorf("no article should be stored, got %d", srv.postedCount())
	}
}

func TestFetchRotatesToSecondServer(t *testing.T) {
	empty := newFakeServer(t)
	holder := newFakeServer(t)
	holder.store("<here@test>", []string{"line one"})

	pool := newTestPool(t, empty, holder)

	emptyCfg := empty.config()
	body, err := pool.FetchBody(context.Background(), "<here@test>", emptyCfg.Name())
	if err != nil {
		t.Fatalf("FetchBody should fall through to the second server: %v", err)
	}
	if len(body) != 1 || body[0] != "line one" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestFetchMissingEverywhere(t *testing.T) {
	a := newFakeServer(t)
	b := newFakeServer(t)
	pool := newTestPool(t, a, b)

	if _, err := pool.FetchBody(context.Background(), "<nowhere@test>", ""); !errors.Is(err, ErrNoSuchArticle) {
		t.Errorf("expected ErrNoSuchArticle, got %v", err)
	}
}

func TestAuthRejectedNotRetried(t *testing.T) {
	srv := newFakeServer(t)
	srv.username = "user"
	srv.password = "right"

	cfg := srv.config()
	cfg.Password = "wrong"
	pool, err := NewPool(PoolConfig{
		Servers:        []ServerConfig{cfg},
		AcquireTimeout: 2 * time.Second,
		Retry:          RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	_, err = pool.Acquire(context.Background(), "")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestAuthSuccess(t *testing.T) {
	srv := newFakeServer(t)
	srv.username = "user"
	srv.password = "secret"
	pool := newTestPool(t, srv)

	pc, err := pool.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	caps := pc.Capabilities()
	pool.Release(pc, nil)

	if !caps.PostingAllowed {
		t.Error("expected posting allowed")
	}
	if caps.RetentionDays != 3000 {
		t.Errorf("expected retention 3000, got %d", caps.RetentionDays)
	}
	if caps.MaxConnections != 8 {
		t.Errorf("expected max connections 8, got %d", caps.MaxConnections)
	}
}

func TestAcquireBoundedWait(t *testing.T) {
	srv := newFakeServer(t)
	cfg := srv.config()
	cfg.MaxConnections = 1

	pool, err := NewPool(PoolConfig{
		Servers:        []ServerConfig{cfg},
		AcquireTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	pc, err := pool.Acquire(ctx, "")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer pool.Release(pc, nil)

	start := time.Now()
	if _, err := pool.Acquire(ctx, ""); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("acquire wait was not bounded")
	}
}

func TestRetryClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth rejected", ErrAuthRejected, false},
		{"no such article", ErrNoSuchArticle, false},
		{"posting not allowed", ErrPostingNotAllowed, false},
		{"malformed", ErrMalformedArticle, false},
		{"temporary status", &StatusError{Code: 400, Line: "pausing"}, true},
		{"posting failed", &StatusError{Code: 441, Line: "try later"}, true},
		{"permanent status", &StatusError{Code: 500, Line: "unknown"}, false},
		{"textproto transient", &textproto.Error{Code: 403, Msg: "fault"}, true},
		{"network error", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryable(tc.err); got != tc.retryable {
				t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.retryable)
			}
		})
	}
}

func TestRotationStrategies(t *testing.T) {
	servers := []*poolServer{
		{config: ServerConfig{Host: "a", Port: 119, Priority: 2}},
		{config: ServerConfig{Host: "b", Port: 119, Priority: 1}},
		{config: ServerConfig{Host: "c", Port: 119, Priority: 3}},
	}
	now := time.Now()

	t.Run("weighted orders by priority", func(t *testing.T) {
		r := &rotation{strategy: RotationWeighted}
		order := r.order(servers, "", now)
		want := []string{"b:119", "a:119", "c:119"}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, order)
			}
		}
	})

	t.Run("round robin advances", func(t *testing.T) {
		r := &rotation{strategy: RotationRoundRobin}
		first := r.order(servers, "", now)[0]
		second := r.order(servers, "", now)[0]
		if first == second {
			t.Errorf("round robin should advance, got %s twice", first)
		}
	})

	t.Run("prefer moves to front", func(t *testing.T) {
		r := &rotation{strategy: RotationWeighted}
		order := r.order(servers, "c:119", now)
		if order[0] != "c:119" {
			t.Errorf("expected preferred server first, got %v", order)
		}
		if len(order) != 3 {
			t.Errorf("expected all servers present, got %v", order)
		}
	})

	t.Run("health first prefers lower failure rate", func(t *testing.T) {
		sick := &poolServer{config: ServerConfig{Host: "sick", Port: 119}}
		well := &poolServer{config: ServerConfig{Host: "well", Port: 119}}
		for i := 0; i < 10; i++ {
			sick.health.Record(time.Millisecond, true)
			well.health.Record(time.Millisecond, false)
		}
		r := &rotation{strategy: RotationHealthFirst}
		order := r.order([]*poolServer{sick, well}, "", now)
		if order[0] != "well:119" {
			t.Errorf("expected healthy server first, got %v", order)
		}
	})

	t.Run("unknown strategy rejected", func(t *testing.T) {
		if _, err := ParseRotationStrategy("random"); err == nil {
			t.Error("expected error for unknown strategy")
		}
		if s, err := ParseRotationStrategy(""); err != nil || s != RotationRoundRobin {
			t.Errorf("empty strategy should default to round robin, got %v %v", s, err)
		}
	})
}

func TestHealthMarking(t *testing.T) {
	h := &serverHealth{}

	for i := 0; i < 20; i++ {
		h.Record(time.Millisecond, true)
	}
	if !h.Healthy(time.Now()) {
		t.Error("sustain window not elapsed, server should still be usable")
	}

	// Force the sustain window to elapse.
	h.mu.Lock()
	h.aboveSince = time.Now().Add(-unhealthySustainWindow - time.Second)
	h.mu.Unlock()
	h.Record(time.Millisecond, true)

	if h.Healthy(time.Now()) {
		t.Error("server should be unhealthy after sustained failures")
	}
	// A check after the cooldown clears the marking.
	if !h.Healthy(time.Now().Add(unhealthyCooldown + time.Second)) {
		t.Error("cooldown elapsed, server should be usable again")
	}
	if !h.Healthy(time.Now()) {
		t.Error("marking should stay cleared after the cooldown check")
	}
}

func TestBandwidthLimiterSplitsLargeRequests(t *testing.T) {
	l := NewBandwidthLimiter(1<<30, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Larger than the burst: must be split, not rejected.
	if err := l.WaitUpload(ctx, (1<<30)+(1<<20)); err != nil {
		t.Fatalf("WaitUpload failed: %v", err)
	}
	// Unlimited direction never blocks.
	if err := l.WaitDownload(ctx, 1<<40); err != nil {
		t.Fatalf("unlimited WaitDownload failed: %v", err)
	}
}

func TestArticleHeaderBlock(t *testing.T) {
	a := &Article{
		Subject:   "subj",
		Group:     "alt.binaries.test",
		MessageID: "<id@test>",
		Extra:     map[string]string{"X-B": "2", "X-A": "1"},
		Body:      []byte("line\r\n"),
	}
	h := a.headerBlock()
	if !strings.Contains(h, "From: poster <poster@unspecified.invalid>\r\n") {
		t.Error("expected default sender")
	}
	if strings.Index(h, "X-A: 1") > strings.Index(h, "X-B: 2") {
		t.Error("extra headers should be sorted")
	}
	if a.Size() <= int64(len(a.Body)) {
		t.Error("size should include headers")
	}
	if a.Lines() != 1 {
		t.Errorf("expected 1 body line, got %d", a.Lines())
	}
}
