// Package ops serves a small read-only HTTP API for operators.
package ops

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"modbot/internal/eventbus"
	"modbot/internal/modtask"
	logx "modbot/pkg/logx"
)

// Config controls the optional ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

type TaskLister interface {
	ListTasks(ctx context.Context) ([]modtask.Task, error)
	ListTasksByCommunity(ctx context.Context, communityID string) ([]modtask.Task, error)
}

// Sources are the read-only views the API exposes. Nil funcs serve empty data.
type Sources struct {
	Tasks      TaskLister
	Supervisor func() any
	Events     func() []eventbus.Event
	LastCycle  func() any
	// Health returns a non-nil error when the bot should be reported unhealthy.
	Health func() error
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	src Sources
	log logx.Logger

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func init() { gin.SetMode(gin.ReleaseMode) }

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, src: src, log: log}
}

// Addr returns the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// Wait out a stop in progress so we never double listen.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}
		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = "127.0.0.1:8086"
		}
		if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return
		}
		if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
			return
		}
		srv := &http.Server{
			Handler:           s.handler(cur),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if !cur.Pprof {
			// CPU profiles and traces stream for as long as ?seconds= asks.
			srv.WriteTimeout = 15 * time.Second
		}

		s.mu.Lock()
		s.ln, s.srv = ln, srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("ops server stopped with error", logx.Err(err))
			}
		}()
		s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln := s.srv, s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ops server stopped")
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Handler builds the gin engine for the current config. An empty token disables auth.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Server) handler(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), bearerAuth(cfg.Token))
	if cfg.Pprof {
		r.GET("/debug/pprof/*name", pprofHandler)
	}

	r.GET("/healthz", s.healthz)
	api := r.Group("/api")
	api.GET("/tasks", s.tasks)
	api.GET("/supervisor", s.supervisor)
	api.GET("/scheduler", s.scheduler)
	api.GET("/events", s.events)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("ops request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			ah := strings.TrimSpace(c.GetHeader("Authorization"))
			parts := strings.SplitN(ah, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				got = strings.TrimSpace(parts[1])
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.src.Health != nil {
		if err := s.src.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type taskView struct {
	modtask.Task
	IntervalHuman string     `json:"interval_human,omitempty"`
	NextDue       *time.Time `json:"next_due,omitempty"`
	Color         int        `json:"color"`
}

func (s *Server) tasks(c *gin.Context) {
	if s.src.Tasks == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []taskView{}})
		return
	}
	var (
		list []modtask.Task
		err  error
	)
	if community := c.Query("community"); community != "" {
		list, err = s.src.Tasks.ListTasksByCommunity(c.Request.Context(), community)
	} else {
		list, err = s.src.Tasks.ListTasks(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]taskView, 0, len(list))
	for _, t := range list {
		v := taskView{Task: t, Color: t.Color()}
		if d, ok := modtask.ParseInterval(t.Interval); ok {
			v.IntervalHuman = modtask.HumanizeInterval(d)
			next := t.LastTrigger.Add(d)
			v.NextDue = &next
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out, "count": len(out)})
}

func (s *Server) supervisor(c *gin.Context) {
	if s.src.Supervisor == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.src.Supervisor())
}

func (s *Server) scheduler(c *gin.Context) {
	var last any
	if s.src.LastCycle != nil {
		last = s.src.LastCycle()
	}
	c.JSON(http.StatusOK, gin.H{"last_cycle": last})
}

// events returns the newest events first; ?limit=N and ?type=T narrow the list.
func (s *Server) events(c *gin.Context) {
	var all []eventbus.Event
	if s.src.Events != nil {
		all = s.src.Events()
	}
	limit := len(all)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	typ := c.Query("type")
	out := make([]eventbus.Event, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if typ != "" && all[i].Type != typ {
			continue
		}
		out = append(out, all[i])
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// pprofHandler serves net/http/pprof; requests keep their /debug/pprof/ root,
// which is what pprof.Index expects.
func pprofHandler(c *gin.Context) {
	switch strings.TrimPrefix(c.Param("name"), "/") {
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		hpprof.Index(c.Writer, c.Request)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
