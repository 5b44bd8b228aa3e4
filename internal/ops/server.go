// Package ops serves the operational JSON API: a liveness probe for load
// balancers plus a component-by-component status readout.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"coinflow/config"
	"coinflow/logger"
	"coinflow/models"
	"coinflow/pipeline"
	"coinflow/poller"
	"coinflow/subscription"
)

// FeedSource reports connection health.
type FeedSource interface {
	State() models.ConnectionState
	Reconnects() uint64
	Provisional() uint64
	LiveSince() time.Time
}

// SubscriptionSource reports per-channel subscription status.
type SubscriptionSource interface {
	Statuses() map[string]subscription.Status
	Counts() (pending, confirmed, failed int)
}

// SequenceSource reports the last sequence seen per channel.
type SequenceSource interface {
	Snapshot() map[string]uint64
}

// PipelineSource reports delivery statistics.
type PipelineSource interface {
	Stats() pipeline.Stats
}

// PollerSource reports quote polling statistics.
type PollerSource interface {
	Stats() poller.Stats
}

// Sources collects the components the ops API reports on. Nil fields are
// omitted from responses, so any subset of the system can be exposed.
type Sources struct {
	Feed          FeedSource
	Subscriptions SubscriptionSource
	Sequences     SequenceSource
	Pipeline      PipelineSource
	Poller        PollerSource
}

// Server hosts the ops API. A nil Server (ops disabled) is safe to Run.
type Server struct {
	cfg        config.OpsConfig
	log        *logger.Log
	sources    Sources
	sampler    *sampler
	logBuf     *logBuffer
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer returns nil when the ops API is disabled.
func NewServer(cfg config.OpsConfig, sources Sources) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Addr = normalizeAddr(cfg.Addr)

	log := logger.GetLogger()
	logBuf := newLogBuffer(200)
	log.AddHook(logBuf)

	return &Server{
		cfg:       cfg,
		log:       log,
		sources:   sources,
		sampler:   newSampler(120, 5*time.Second, "/"),
		logBuf:    logBuf,
		startedAt: time.Now(),
	}
}

// Run blocks until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.sampler.start(ctx)
	defer s.cleanup()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: router,
	}
	s.log.WithComponent("ops").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("ops api listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) cleanup() {
	s.logBuf.close()
	s.sampler.stop()
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/health", s.handleHealth)
	router.GET("/api/status", s.handleStatus)
	router.GET("/api/resources", s.handleResources)
	router.GET("/api/logs", s.handleLogs)

	return router, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	payload := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	code := http.StatusOK

	if feed := s.sources.Feed; feed != nil {
		state := feed.State()
		payload["feed_state"] = state.String()
		if state != models.StateLive {
			payload["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, payload)
}

func (s *Server) handleStatus(c *gin.Context) {
	payload := gin.H{
		"started_at": s.startedAt.UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	}

	if feed := s.sources.Feed; feed != nil {
		section := gin.H{
			"state":              feed.State().String(),
			"reconnects":         feed.Reconnects(),
			"provisional_events": feed.Provisional(),
		}
		if liveSince := feed.LiveSince(); !liveSince.IsZero() {
			section["live_since"] = liveSince.UTC().Format(time.RFC3339)
			section["live_for"] = time.Since(liveSince).Round(time.Second).String()
		}
		payload["feed"] = section
	}

	if subs := s.sources.Subscriptions; subs != nil {
		pending, confirmed, failed := subs.Counts()
		channels := gin.H{}
		for id, status := range subs.Statuses() {
			channels[id] = string(status)
		}
		payload["subscriptions"] = gin.H{
			"pending":   pending,
			"confirmed": confirmed,
			"failed":    failed,
			"channels":  channels,
		}
	}

	if seqs := s.sources.Sequences; seqs != nil {
		payload["sequences"] = seqs.Snapshot()
	}
	if pl := s.sources.Pipeline; pl != nil {
		payload["pipeline"] = pl.Stats()
	}
	if quotes := s.sources.Poller; quotes != nil {
		payload["poller"] = quotes.Stats()
	}
	if sample, ok := s.sampler.latest(); ok {
		payload["resources"] = sample
	}

	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logBuf.snapshot()})
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8899"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8899")
	}
	return addr
}
