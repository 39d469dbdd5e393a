// Package stream keeps the market feed connection alive and turns its frames
// into validated events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/domain"
	"github.com/sawpanic/liqradar/internal/net/backoff"
	"github.com/sawpanic/liqradar/internal/net/circuit"
)

// EventSink receives every validated event.
type EventSink interface {
	Add(e domain.MarketEvent)
}

// Recognizer decides whether a symbol is part of the tracked universe.
type Recognizer interface {
	Recognized(symbol string) bool
}

// Client keeps one websocket connection to the feed alive and forwards
// events to the sink. Dial attempts go through the feed breaker.
type Client struct {
	cfg        config.StreamConfig
	sink       EventSink
	breaker    *circuit.Breaker
	backoff    backoff.Backoff
	quality    *Quality
	recognizer Recognizer
	symbols    func() []string
	logger     zerolog.Logger
	now        func() time.Time

	connected   atomic.Bool
	connects    atomic.Int64
	disconnects atomic.Int64
	frames      atomic.Int64
	events      atomic.Int64
	dropped     map[string]*atomic.Int64
}

// NewClient creates a client; breaker may be nil.
func NewClient(cfg config.StreamConfig, sink EventSink, breaker *circuit.Breaker) *Client {
	if breaker == nil {
		breaker = circuit.NewBreaker(circuit.DependencyFeed, circuit.DefaultConfig())
	}
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = 3
	}
	dropped := make(map[string]*atomic.Int64, len(dropReasons))
	for _, r := range dropReasons {
		dropped[r] = new(atomic.Int64)
	}
	return &Client{
		cfg:     cfg,
		sink:    sink,
		breaker: breaker,
		backoff: backoff.New(cfg.BackoffBase, cfg.BackoffMax),
		quality: NewQuality(cfg.PingMinInterval, cfg.PingMaxInterval, cfg.GoodRTT, cfg.BadRTT),
		logger:  log.With().Str("component", "stream").Str("url", cfg.URL).Logger(),
		now:     time.Now,
		dropped: dropped,
	}
}

// WithRecognizer drops events for symbols r does not recognize.
func (c *Client) WithRecognizer(r Recognizer) *Client {
	c.recognizer = r
	return c
}

// WithSymbols sets the symbol list sent in the subscribe frame.
func (c *Client) WithSymbols(fn func() []string) *Client {
	c.symbols = fn
	return c
}

// Run connects, reads and reconnects until ctx is canceled. It returns nil
// on cancellation.
func (c *Client) Run(ctx context.Context) error {
	seq := backoff.NewSequence(c.backoff)

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := seq.Next()
			if errors.Is(err, domain.ErrCircuitOpen) {
				wait = c.untilHalfOpen()
			}
			c.logger.Warn().
				Err(err).
				Int("attempt", seq.Attempt()).
				Dur("retry_in", wait).
				Msg("Feed connect failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		seq.Reset()
		err = c.serve(ctx, conn)
		c.disconnects.Add(1)
		if ctx.Err() != nil {
			return nil
		}

		wait := seq.Next()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Feed disconnected")
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (c *Client) untilHalfOpen() time.Duration {
	stats := c.breaker.Stats()
	wait := c.breaker.Config().RecoveryTimeout
	if !stats.OpenedAt.IsZero() {
		wait = stats.OpenedAt.Add(wait).Sub(c.now())
	}
	if wait < c.backoff.Base {
		wait = c.backoff.Base
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
		ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("dial feed: %w", err)
		}
		if c.cfg.Subscribe {
			if err := c.subscribe(ws); err != nil {
				ws.Close()
				return err
			}
		}
		conn = ws
		return nil
	})
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}
	c.connects.Add(1)
	c.logger.Info().Msg("Feed connected")
	return conn, nil
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	var symbols []string
	if c.symbols != nil {
		symbols = c.symbols()
	}
	data, err := json.Marshal(newSubscribeFrame(symbols))
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	log.Debug().RawJSON("subscription", data).Msg("Sent feed subscription")
	return nil
}

// pingState tracks the single outstanding ping of a connection.
type pingState struct {
	outstanding atomic.Bool
	sentAt      atomic.Int64
	missed      atomic.Int32
}

// sent records a ping at now and returns its payload.
func (ps *pingState) sent(now time.Time) []byte {
	ps.sentAt.Store(now.UnixNano())
	ps.outstanding.Store(true)
	return []byte(strconv.FormatInt(now.UnixNano(), 10))
}

// ack matches a pong against the outstanding ping. Pongs for earlier pings,
// or with payloads that were never sent, are ignored.
func (ps *pingState) ack(payload string, now time.Time) (time.Duration, bool) {
	sentAt, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || sentAt != ps.sentAt.Load() {
		return 0, false
	}
	if !ps.outstanding.CompareAndSwap(true, false) {
		return 0, false
	}
	ps.missed.Store(0)
	return now.Sub(time.Unix(0, sentAt)), true
}

// serve reads frames until the connection fails, the heartbeat gives up or
// ctx is canceled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.quality.Reset()

	ps := &pingState{}
	conn.SetPongHandler(func(payload string) error {
		if rtt, ok := ps.ack(payload, time.Now()); ok {
			c.quality.Record(rtt, true)
		}
		return nil
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(ctx, conn, ps, done)
	}()
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

// heartbeat pings at the quality-derived interval and closes the connection
// after MaxMissedPongs consecutive unanswered pings.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, ps *pingState, done <-chan struct{}) {
	writeTimeout := c.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	for {
		t := time.NewTimer(c.quality.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			conn.Close()
			return
		case <-done:
			t.Stop()
			return
		case <-t.C:
		}

		if ps.outstanding.Load() {
			c.quality.Record(0, false)
			if n := ps.missed.Add(1); int(n) >= c.cfg.MaxMissedPongs {
				c.logger.Warn().Int32("missed_pongs", n).Msg("Feed heartbeat lost, closing connection")
				conn.Close()
				return
			}
		}

		now := time.Now()
		payload := ps.sent(now)
		if err := conn.WriteControl(websocket.PingMessage, payload, now.Add(writeTimeout)); err != nil {
			c.logger.Debug().Err(err).Msg("Ping failed")
			conn.Close()
			return
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	c.frames.Add(1)

	ev, err := ParseFrame(data, c.now())
	if errors.Is(err, ErrControlFrame) {
		return
	}
	if err == nil && c.recognizer != nil && !c.recognizer.Recognized(ev.Symbol()) {
		err = fmt.Errorf("%s: %w", ev.Symbol(), domain.ErrUnknownSymbol)
	}
	if err != nil {
		reason := dropReason(err)
		c.dropped[reason].Add(1)
		c.logger.Debug().Err(err).Str("reason", reason).Msg("Dropped frame")
		return
	}

	c.sink.Add(ev)
	c.events.Add(1)
}

// Stats is a point-in-time view of the client.
type Stats struct {
	Connected    bool             `json:"connected"`
	Connects     int64            `json:"connects"`
	Disconnects  int64            `json:"disconnects"`
	Frames       int64            `json:"frames"`
	Events       int64            `json:"events"`
	Dropped      map[string]int64 `json:"dropped"`
	Quality      float64          `json:"quality"`
	PingInterval time.Duration    `json:"ping_interval"`
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	dropped := make(map[string]int64, len(c.dropped))
	for r, n := range c.dropped {
		dropped[r] = n.Load()
	}
	return Stats{
		Connected:    c.connected.Load(),
		Connects:     c.connects.Load(),
		Disconnects:  c.disconnects.Load(),
		Frames:       c.frames.Load(),
		Events:       c.events.Load(),
		Dropped:      dropped,
		Quality:      c.quality.Score(),
		PingInterval: c.quality.Interval(),
	}
}
