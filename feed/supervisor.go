package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"coinflow/codec"
	"coinflow/config"
	"coinflow/internal/metrics"
	"coinflow/logger"
	"coinflow/models"
	"coinflow/sequence"
	"coinflow/subscription"
)

const (
	writeTimeout  = 10 * time.Second
	outboundDepth = 64
)

// ErrHandshakeRejected is delivered through Fatal when the feed rejects the
// subscription handshake more times than allowed before the connection has
// ever gone live. A feed that rejected us once live is retried forever.
var ErrHandshakeRejected = errors.New("subscription handshake rejected")

// errHandshakeFailed marks session errors that count toward the handshake
// failure limit.
var errHandshakeFailed = errors.New("handshake failed")

// Ingestor receives decoded events and gap records from the supervisor.
type Ingestor interface {
	Submit(ctx context.Context, event *models.MarketEvent) error
	SubmitGap(ctx context.Context, gap *models.GapRecord) error
	Flush(ctx context.Context) error
}

// Supervisor owns the websocket connection lifecycle: dialing, the
// subscription handshake, liveness monitoring, reconnection with backoff,
// and routing decoded frames to the sequence tracker and the pipeline.
type Supervisor struct {
	config   *config.Config
	codec    *codec.Codec
	tracker  *sequence.Tracker
	subs     *subscription.Manager
	ingestor Ingestor
	dialer   Dialer
	log      *logger.Log

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	connMu sync.Mutex
	conn   Conn

	state    atomic.Int32
	outbound chan []byte
	fatalCh  chan error

	reconnects  atomic.Uint64
	provisional atomic.Uint64
	liveSince   atomic.Int64

	// run-loop goroutine only
	everLive       bool
	handshakeFails int
}

// NewSupervisor creates a supervisor. Start must be called to connect.
func NewSupervisor(cfg *config.Config, cd *codec.Codec, tracker *sequence.Tracker, subs *subscription.Manager, ingestor Ingestor, dialer Dialer) *Supervisor {
	return &Supervisor{
		config:   cfg,
		codec:    cd,
		tracker:  tracker,
		subs:     subs,
		ingestor: ingestor,
		dialer:   dialer,
		log:      logger.GetLogger(),
		stopCh:   make(chan struct{}),
		outbound: make(chan []byte, outboundDepth),
		fatalCh:  make(chan error, 1),
	}
}

// Start launches the connection loop in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("feed supervisor is already running")
	}

	s.ctx = ctx
	s.running = true

	s.log.WithComponent("feed").WithFields(logger.Fields{
		"url":      s.config.Feed.URL,
		"channels": len(s.subs.Desired()),
	}).Info("starting feed supervisor")

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop drains the connection and blocks until the loop has exited and the
// pipeline has flushed buffered events.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log := s.log.WithComponent("feed")
	log.Info("stopping feed supervisor")

	s.setState(models.StateDraining)
	close(s.stopCh)
	s.closeConn()
	s.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), s.config.Pipeline.FlushTimeout)
	defer cancel()
	if err := s.ingestor.Flush(flushCtx); err != nil {
		log.WithError(err).Warn("final flush incomplete")
	}

	s.setState(models.StateDisconnected)
	log.Info("feed supervisor stopped")
}

// Fatal reports unrecoverable startup failures, currently only handshake
// rejection before the first live session. The channel never closes.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatalCh
}

// State returns the current connection state.
func (s *Supervisor) State() models.ConnectionState {
	return models.ConnectionState(s.state.Load())
}

// Reconnects returns the number of completed sessions, live or not.
func (s *Supervisor) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Provisional returns the number of events accepted before their channel
// was confirmed by a subscription ack.
func (s *Supervisor) Provisional() uint64 {
	return s.provisional.Load()
}

// LiveSince returns when the current session went live, or zero time when
// the connection is not live.
func (s *Supervisor) LiveSince() time.Time {
	nanos := s.liveSince.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// RequestResync asks the feed to resubscribe a single channel so that a
// fresh snapshot and sequence baseline are delivered. Called by the pipeline
// after a gap record is persisted. No-op unless the connection is live and
// resync is configured to resubscribe.
func (s *Supervisor) RequestResync(channelID string) {
	if s.config.Feed.Resync != config.ResyncResubscribe {
		return
	}
	if s.State() != models.StateLive {
		return
	}

	controls := s.subs.ResyncControls(channelID)
	if len(controls) == 0 {
		return
	}

	s.log.WithComponent("feed").WithFields(logger.Fields{
		"channel": channelID,
	}).Info("resubscribing channel after gap")
	s.enqueueControls(controls)
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	log := s.log.WithComponent("feed")
	backoff := NewBackoff(s.config.Feed.Backoff)
	attempt := 0

	for {
		if s.stopping() {
			return
		}

		s.setState(models.StateConnecting)
		dialCtx, cancel := context.WithTimeout(s.ctx, s.config.Feed.HandshakeTimeout)
		conn, err := s.dialer.Dial(dialCtx, s.config.Feed.URL)
		cancel()
		if err != nil {
			if s.stopping() {
				return
			}
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Error("dial failed")
			s.setState(models.StateReconnecting)
			if s.waitBackoff(backoff, attempt) {
				return
			}
			attempt++
			continue
		}

		liveFor, sessionErr := s.session(conn)
		if s.stopping() {
			return
		}

		if errors.Is(sessionErr, errHandshakeFailed) {
			s.handshakeFails++
			metrics.HandshakeFailures.Inc()
			log.WithError(sessionErr).WithFields(logger.Fields{
				"failures": s.handshakeFails,
				"limit":    s.config.Feed.HandshakeMaxAttempts,
			}).Error("subscription handshake failed")

			if !s.everLive && s.handshakeFails >= s.config.Feed.HandshakeMaxAttempts {
				s.fail(fmt.Errorf("%w after %d attempts: %v", ErrHandshakeRejected, s.handshakeFails, sessionErr))
				s.setState(models.StateDisconnected)
				return
			}
		} else if sessionErr != nil {
			log.WithError(sessionErr).WithFields(logger.Fields{
				"live_for": liveFor.String(),
			}).Warn("feed session ended")
		}

		if liveFor >= s.config.Feed.Backoff.ResetWindow {
			attempt = 0
		}

		s.reconnects.Add(1)
		metrics.Reconnects.Inc()
		logger.IncrementReconnect()

		s.setState(models.StateReconnecting)
		if s.waitBackoff(backoff, attempt) {
			return
		}
		attempt++
	}
}

// session drives a single connection from handshake to teardown. It returns
// how long the session was live, zero when the handshake never completed.
func (s *Supervisor) session(conn Conn) (time.Duration, error) {
	defer conn.Close()

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
	}()

	log := s.log.WithComponent("feed")
	s.setState(models.StateHandshaking)

	// A new connection carries no server-side state: every channel must be
	// confirmed again and per-channel sequences restart from the snapshot.
	s.subs.Invalidate()
	s.tracker.ResetAll()
	s.drainOutbound()

	payload, err := s.codec.EncodeSubscribe(s.subs.Desired())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errHandshakeFailed, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return 0, fmt.Errorf("send subscribe: %w", err)
	}

	writerStop := make(chan struct{})
	writerDone := make(chan struct{})
	go s.writeLoop(conn, writerStop, writerDone)
	defer func() {
		close(writerStop)
		<-writerDone
	}()

	liveness := s.config.Feed.LivenessTimeout()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(liveness))
	})

	var liveAt time.Time
	handshaked := false

	liveFor := func() time.Duration {
		if liveAt.IsZero() {
			return 0
		}
		return time.Since(liveAt)
	}

	for {
		select {
		case <-s.ctx.Done():
			return liveFor(), nil
		case <-s.stopCh:
			return liveFor(), nil
		default:
		}

		window := liveness
		if !handshaked {
			window = s.config.Feed.HandshakeTimeout
		}
		conn.SetReadDeadline(time.Now().Add(window))

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !handshaked && isTimeout(err) {
				return 0, fmt.Errorf("%w: no subscription ack within %s", errHandshakeFailed, window)
			}
			return liveFor(), fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		metrics.FramesRead.Inc()
		logger.IncrementFeedRead(len(data))

		decoded, err := s.codec.Decode(models.RawFrame{Data: data, ReceivedAt: time.Now().UTC()})
		if err != nil {
			metrics.FramesMalformed.Inc()
			log.WithError(err).WithFields(logger.Fields{"bytes": len(data)}).Warn("malformed frame skipped")
			continue
		}

		switch {
		case decoded.Event != nil:
			s.handleEvent(decoded.Event, len(data))

		case decoded.Subscriptions != nil:
			newly := s.subs.ApplyAck(decoded.Subscriptions)
			if !handshaked {
				handshaked = true
				liveAt = time.Now()
				s.liveSince.Store(liveAt.UnixNano())
				s.everLive = true
				s.handshakeFails = 0
				s.setState(models.StateLive)

				pending, confirmed, failed := s.subs.Counts()
				log.WithFields(logger.Fields{
					"confirmed": confirmed,
					"pending":   pending,
					"failed":    failed,
				}).Info("feed live")

				// Top up anything the ack did not cover and drop channels
				// the server confirmed that we no longer want.
				s.enqueueControls(s.subs.Reconcile())
			} else if len(newly) > 0 {
				log.WithFields(logger.Fields{"channels": newly}).Info("channels confirmed")
			}

		case decoded.Heartbeat != nil:
			log.WithFields(logger.Fields{
				"product":  decoded.Heartbeat.Symbol,
				"sequence": decoded.Heartbeat.Sequence,
			}).Debug("heartbeat")

		case decoded.FeedError != nil:
			feedErr := *decoded.FeedError
			if !handshaked {
				return 0, fmt.Errorf("%w: %s (%s)", errHandshakeFailed, feedErr.Message, feedErr.Reason)
			}
			failed := s.subs.ApplyError(feedErr)
			log.WithFields(logger.Fields{
				"message":         feedErr.Message,
				"reason":          feedErr.Reason,
				"failed_channels": failed,
			}).Error("feed rejected request")

		case decoded.Ignored:
			metrics.FramesIgnored.Inc()
		}
	}
}

func (s *Supervisor) handleEvent(event *models.MarketEvent, frameSize int) {
	metrics.EventsDecoded.WithLabelValues(event.ChannelID).Inc()
	logger.RecordChannelMessage(event.ChannelID, frameSize)

	if !s.subs.IsConfirmed(event.ChannelID) {
		s.provisional.Add(1)
		metrics.EventsProvisional.Inc()
	}

	if event.Sequence != nil {
		if gap := s.tracker.Observe(event.ChannelID, *event.Sequence, event.ReceivedAt); gap != nil {
			metrics.GapsDetected.WithLabelValues(gap.ChannelID).Inc()
			logger.IncrementGap()
			s.log.WithComponent("feed").WithFields(logger.Fields{
				"channel":       gap.ChannelID,
				"expected_from": gap.ExpectedFrom,
				"expected_to":   gap.ExpectedTo,
				"observed":      gap.Observed,
				"missing":       gap.Missing(),
			}).Warn("sequence gap detected")

			if err := s.ingestor.SubmitGap(s.ctx, gap); err != nil {
				s.log.WithComponent("feed").WithError(err).Error("failed to buffer gap record")
			}
		}
	}

	if err := s.ingestor.Submit(s.ctx, event); err != nil {
		metrics.EventsDropped.Inc()
		s.log.WithComponent("feed").WithError(err).WithFields(logger.Fields{
			"channel": event.ChannelID,
		}).Error("failed to buffer event")
	}
}

// writeLoop is the only goroutine that writes to the connection once the
// subscribe payload is out. It sends queued control messages and keepalive
// pings; any write failure tears the session down via conn.Close.
func (s *Supervisor) writeLoop(conn Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	log := s.log.WithComponent("feed")
	ticker := time.NewTicker(s.config.Feed.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case payload := <-s.outbound:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).Error("control write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).Warn("keepalive ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (s *Supervisor) enqueueControls(controls []models.OutgoingControl) {
	for _, ctrl := range controls {
		payload, err := s.codec.EncodeControl(ctrl)
		if err != nil {
			s.log.WithComponent("feed").WithError(err).WithFields(logger.Fields{
				"action":  string(ctrl.Action),
				"channel": ctrl.Channel,
			}).Error("failed to encode control message")
			continue
		}
		select {
		case s.outbound <- payload:
		default:
			s.log.WithComponent("feed").WithFields(logger.Fields{
				"action":  string(ctrl.Action),
				"channel": ctrl.Channel,
			}).Warn("outbound queue full, control dropped")
		}
	}
}

func (s *Supervisor) drainOutbound() {
	for {
		select {
		case <-s.outbound:
		default:
			return
		}
	}
}

func (s *Supervisor) setState(state models.ConnectionState) {
	old := models.ConnectionState(s.state.Swap(int32(state)))
	if old == state {
		return
	}
	if state != models.StateLive {
		s.liveSince.Store(0)
	}
	metrics.ConnectionState.Set(float64(state))
	s.log.WithComponent("feed").WithFields(logger.Fields{
		"from": old.String(),
		"to":   state.String(),
	}).Info("connection state changed")
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
	}
	if s.ctx != nil {
		select {
		case <-s.ctx.Done():
			return true
		default:
		}
	}
	return false
}

// waitBackoff sleeps for the attempt's delay. It returns true when the
// supervisor should stop instead of reconnecting.
func (s *Supervisor) waitBackoff(backoff Backoff, attempt int) bool {
	delay := backoff.Delay(attempt)
	s.log.WithComponent("feed").WithFields(logger.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("waiting before reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false
	case <-s.ctx.Done():
		return true
	case <-s.stopCh:
		return true
	}
}

func (s *Supervisor) fail(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
}

func (s *Supervisor) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
