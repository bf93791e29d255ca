package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kis-trading-core/cache"
	"kis-trading-core/domain"
	"kis-trading-core/kis"
)

const (
	subscribePacing  = 50 * time.Millisecond
	reconnectBaseGap = time.Second
	wsReadDeadline   = 60 * time.Second
	tickTrID         = "H0STCNT0"
)

// Streamer owns the single venue WebSocket connection. It maintains the
// subscription set, parses raw tick frames and publishes every valid
// tick to the tick stream.
type Streamer struct {
	wsURL      string
	tokens     *kis.TokenManager
	ticks      *cache.StreamPublisher
	maxBackoff time.Duration
	log        zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	subs        map[string]struct{}
	approvalKey string
	connected   bool
}

var errShortFrame = errors.New("short tick frame")

// NewStreamer creates a streamer publishing parsed ticks to ticks.
func NewStreamer(wsURL string, tokens *kis.TokenManager, ticks *cache.StreamPublisher, maxBackoff time.Duration, log zerolog.Logger) *Streamer {
	return &Streamer{
		wsURL:      wsURL,
		tokens:     tokens,
		ticks:      ticks,
		maxBackoff: maxBackoff,
		log:        log.With().Str("component", "streamer").Logger(),
	}
}

type subscribeMessage struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func newSubscribeMessage(approvalKey, trType, code string) subscribeMessage {
	var msg subscribeMessage
	msg.Header.ApprovalKey = approvalKey
	msg.Header.CustType = "P"
	msg.Header.TrType = trType
	msg.Header.ContentType = "utf-8"
	msg.Body.Input.TrID = tickTrID
	msg.Body.Input.TrKey = code
	return msg
}

// Connected reports whether the socket is currently up.
func (s *Streamer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SubscriptionCount reports the size of the desired subscription set.
func (s *Streamer) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// SetInitialSubscriptions seeds the desired set before the first
// connect. Holdings and the active watchlist both belong here.
func (s *Streamer) SetInitialSubscriptions(codes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]struct{})
	}
	for _, code := range codes {
		s.subs[code] = struct{}{}
	}
}

// Subscribe registers codes and sends subscribe frames when connected.
// Unknown or already-registered codes are skipped.
func (s *Streamer) Subscribe(ctx context.Context, codes []string) error {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[string]struct{})
	}
	var added []string
	for _, code := range codes {
		if !domain.ValidStockCode(code) {
			continue
		}
		if _, ok := s.subs[code]; ok {
			continue
		}
		s.subs[code] = struct{}{}
		added = append(added, code)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return s.sendSubscriptions(ctx, conn, added, "1")
}

// Unsubscribe drops codes from the desired set and sends unsubscribe
// frames when connected.
func (s *Streamer) Unsubscribe(ctx context.Context, codes []string) error {
	s.mu.Lock()
	var removed []string
	for _, code := range codes {
		if _, ok := s.subs[code]; !ok {
			continue
		}
		delete(s.subs, code)
		removed = append(removed, code)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return s.sendSubscriptions(ctx, conn, removed, "2")
}

// Run connects and re-connects until ctx is cancelled. Every attempt
// fetches a fresh approval key; backoff doubles up to the cap and
// resets after a successful session.
func (s *Streamer) Run(ctx context.Context) {
	backoff := reconnectBaseGap

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket session ended")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session runs one connect-subscribe-read cycle. A clean read loop exit
// only happens on socket failure, so the caller always reconnects.
func (s *Streamer) session(ctx context.Context) error {
	approvalKey, err := s.tokens.ApprovalKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	codes := make([]string, 0, len(s.subs))
	for code := range s.subs {
		codes = append(codes, code)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
	}()

	s.approvalKeySet(approvalKey)
	if err := s.sendSubscriptions(ctx, conn, codes, "1"); err != nil {
		return err
	}
	s.log.Info().Int("subscriptions", len(codes)).Msg("websocket connected")

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(ctx, conn, data)
	}
}

func (s *Streamer) approvalKeySet(key string) {
	s.mu.Lock()
	s.approvalKey = key
	s.mu.Unlock()
}

// sendSubscriptions sends one frame per code with pacing between sends.
// trType is "1" to subscribe and "2" to unsubscribe.
func (s *Streamer) sendSubscriptions(ctx context.Context, conn *websocket.Conn, codes []string, trType string) error {
	s.mu.Lock()
	key := s.approvalKey
	s.mu.Unlock()

	for i, code := range codes {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(subscribePacing):
			}
		}
		msg := newSubscribeMessage(key, trType, code)
		if err := s.writeJSON(conn, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Streamer) writeRaw(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleFrame dispatches one raw frame. Data frames start with '0' or
// '1'; everything else is a JSON control frame.
func (s *Streamer) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	if len(data) == 0 {
		return
	}

	if data[0] == '0' || data[0] == '1' {
		tick, err := parseTickFrame(string(data))
		if err != nil {
			s.log.Debug().Err(err).Msg("unparseable tick frame")
			return
		}
		if err := tick.Validate(); err != nil {
			s.log.Debug().Err(err).Msg("invalid tick dropped")
			return
		}
		if err := s.ticks.Publish(ctx, tick); err != nil {
			s.log.Warn().Err(err).Str("code", tick.StockCode).Msg("tick publish failed")
		}
		return
	}

	var control struct {
		Header struct {
			TrID string `json:"tr_id"`
		} `json:"header"`
		Body struct {
			Msg1 string `json:"msg1"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &control); err != nil {
		s.log.Debug().Msg("non-JSON control frame dropped")
		return
	}

	switch control.Header.TrID {
	case "PINGPONG":
		// The venue requires the ping frame echoed back verbatim.
		if err := s.writeRaw(conn, data); err != nil {
			s.log.Warn().Err(err).Msg("pingpong echo failed")
		}
	default:
		s.log.Debug().Str("tr_id", control.Header.TrID).Str("msg", control.Body.Msg1).Msg("control frame")
	}
}

// parseTickFrame decodes the venue's pipe-and-caret frame layout. The
// fourth pipe section carries caret-separated fields: stock code at 0,
// price at 2, volume at 10.
func parseTickFrame(frame string) (domain.PriceTick, error) {
	parts := strings.Split(frame, "|")
	if len(parts) < 4 {
		return domain.PriceTick{}, errShortFrame
	}
	fields := strings.Split(parts[3], "^")
	if len(fields) < 11 {
		return domain.PriceTick{}, errShortFrame
	}

	price, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return domain.PriceTick{}, err
	}
	volume, err := strconv.ParseInt(fields[10], 10, 64)
	if err != nil {
		return domain.PriceTick{}, err
	}

	return domain.PriceTick{
		StockCode: fields[0],
		Price:     price,
		Volume:    volume,
		Timestamp: time.Now(),
	}, nil
}
