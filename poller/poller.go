// Package poller supplements the streaming feed with point-in-time quote
// snapshots fetched over JSON-RPC. Quotes arrive without sequence numbers;
// their natural keys are content-derived, so polling an unchanged quote
// twice deduplicates at the sink.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"coinflow/config"
	"coinflow/internal/metrics"
	"coinflow/internal/symbols"
	"coinflow/logger"
	"coinflow/models"
	"coinflow/sink"
)

const (
	rpcMethod      = "v1/getCurrentQuotes"
	requestTimeout = 5 * time.Second
	storeTimeout   = 10 * time.Second
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  []rpcParams `json:"params"`
}

type rpcParams struct {
	SymbolID string `json:"symbol_id"`
}

type rpcResponse struct {
	Result *quoteResult `json:"result"`
	Error  *rpcError    `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type quoteResult struct {
	SymbolID     string     `json:"symbol_id"`
	BidPrice     float64    `json:"bid_price"`
	BidSize      float64    `json:"bid_size"`
	AskPrice     float64    `json:"ask_price"`
	AskSize      float64    `json:"ask_size"`
	TimeExchange string     `json:"time_exchange"`
	TimeCoinAPI  string     `json:"time_coinapi"`
	LastTrade    *lastTrade `json:"last_trade"`
}

type lastTrade struct {
	UUID         string  `json:"uuid"`
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	TakerSide    string  `json:"taker_side"`
	TimeExchange string  `json:"time_exchange"`
}

// Stats is the poller's cumulative outcome count.
type Stats struct {
	Cycles     uint64 `json:"cycles"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
}

// Poller periodically fetches current quotes for the configured symbols and
// writes them through the sink in one attempt per cycle. A missed cycle is
// not retried; the next poll supersedes it.
type Poller struct {
	config  *config.Config
	client  *http.Client
	limiter *rate.Limiter
	sink    sink.Sink
	log     *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	cycles     atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	startedAt  time.Time
}

func NewPoller(cfg *config.Config, target sink.Sink) *Poller {
	transport := &http.Transport{
		MaxIdleConns:    8,
		MaxConnsPerHost: 4,
		IdleConnTimeout: 90 * time.Second,
	}
	burst := cfg.Poller.Burst
	if burst < 1 {
		burst = 1
	}
	return &Poller{
		config:  cfg,
		client:  &http.Client{Transport: transport, Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.Poller.RateLimit), burst),
		sink:    target,
		log:     logger.GetLogger(),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.log.WithComponent("poller").WithFields(logger.Fields{
		"endpoint": p.config.Poller.Endpoint,
		"interval": p.config.Poller.Interval.String(),
		"symbols":  len(p.config.Poller.Quotes),
	}).Info("starting quote poller")

	p.wg.Add(1)
	go p.run()

	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("poller").Info("stopping quote poller")
	p.cancel()
	p.wg.Wait()
	p.logStats("final")
	p.log.WithComponent("poller").Info("quote poller stopped")
}

func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:     p.cycles.Load(),
		Successful: p.successful.Load(),
		Failed:     p.failed.Load(),
	}
}

// PullOnce fetches every configured quote a single time and writes the
// results through the sink. Used by the one-shot import command.
func PullOnce(ctx context.Context, cfg *config.Config, target sink.Sink) (Stats, error) {
	p := NewPoller(cfg, target)
	p.ctx, p.cancel = context.WithCancel(ctx)
	defer p.cancel()
	p.startedAt = time.Now()

	p.collectAll()

	stats := p.Stats()
	if stats.Failed > 0 && stats.Successful == 0 {
		return stats, fmt.Errorf("all %d quote fetches failed", stats.Failed)
	}
	return stats, nil
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Poller.Interval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(p.config.Poller.StatsInterval)
	defer statsTicker.Stop()

	// first cycle runs immediately, not one interval in
	p.collectAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.collectAll()
		case <-statsTicker.C:
			p.logStats("periodic")
		}
	}
}

func (p *Poller) collectAll() {
	cycle := p.cycles.Add(1)
	metrics.PollerCycles.Inc()

	log := p.log.WithComponent("poller").WithFields(logger.Fields{"cycle": cycle})
	start := time.Now()
	collected := 0

	for _, quote := range p.config.Poller.Quotes {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}

		events, err := p.fetchQuote(quote)
		if err != nil {
			p.failed.Add(1)
			metrics.PollerErrors.Inc()
			log.WithError(err).WithFields(logger.Fields{"symbol": quote.Symbol}).Warn("quote fetch failed")
			continue
		}

		if err := p.store(events); err != nil {
			p.failed.Add(1)
			metrics.PollerErrors.Inc()
			log.WithError(err).WithFields(logger.Fields{"symbol": quote.Symbol}).Warn("quote store failed")
			continue
		}

		p.successful.Add(1)
		collected += len(events)
	}

	logger.LogPerformanceEntry(log, "poller", "collect_cycle", time.Since(start), logger.Fields{
		"events": collected,
	})
}

func (p *Poller) fetchQuote(quote config.QuoteSymbol) ([]*models.MarketEvent, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  rpcMethod,
		Params:  []rpcParams{{SymbolID: quote.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, p.config.Poller.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}
	logger.IncrementPollRead(len(body))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(body, &rpc); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", rpc.Error.Message)
	}
	if rpc.Result == nil {
		return nil, fmt.Errorf("rpc response without result")
	}

	return quoteEvents(quote, rpc.Result, time.Now().UTC()), nil
}

func (p *Poller) store(events []*models.MarketEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &models.Batch{
		ID:        uuid.NewString(),
		Events:    events,
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(p.ctx, storeTimeout)
	defer cancel()
	return p.sink.Upsert(ctx, batch)
}

// quoteEvents converts one rpc result into ticker and, when the result
// carries a last trade, trade events. Both are sequence-less.
func quoteEvents(quote config.QuoteSymbol, result *quoteResult, receivedAt time.Time) []*models.MarketEvent {
	product := symbols.ToProduct(quote.ID, quote.Symbol)

	events := []*models.MarketEvent{{
		ChannelID:  models.ChannelID(product, models.KindTicker),
		Symbol:     product,
		Kind:       models.KindTicker,
		EventTime:  parseQuoteTime(result.TimeExchange, receivedAt),
		ReceivedAt: receivedAt,
		Ticker: &models.TickerPayload{
			BestBid: result.BidPrice,
			BidSize: result.BidSize,
			BestAsk: result.AskPrice,
			AskSize: result.AskSize,
		},
	}}

	if trade := result.LastTrade; trade != nil {
		events = append(events, &models.MarketEvent{
			ChannelID:  models.ChannelID(product, models.KindTrade),
			Symbol:     product,
			Kind:       models.KindTrade,
			EventTime:  parseQuoteTime(trade.TimeExchange, receivedAt),
			ReceivedAt: receivedAt,
			Trade: &models.TradePayload{
				TradeUUID: trade.UUID,
				Price:     trade.Price,
				Size:      trade.Size,
				Side:      trade.TakerSide,
			},
		})
	}

	return events
}

func parseQuoteTime(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return fallback
	}
	return ts
}

func (p *Poller) logStats(kind string) {
	stats := p.Stats()
	total := stats.Successful + stats.Failed
	successRate := 0.0
	if total > 0 {
		successRate = float64(stats.Successful) / float64(total) * 100
	}
	p.log.WithComponent("poller").WithFields(logger.Fields{
		"kind":         kind,
		"runtime":      time.Since(p.startedAt).Round(time.Second).String(),
		"cycles":       stats.Cycles,
		"successful":   stats.Successful,
		"failed":       stats.Failed,
		"success_rate": fmt.Sprintf("%.1f%%", successRate),
	}).Info("poller statistics")
}
