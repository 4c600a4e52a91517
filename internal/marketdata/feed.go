package marketdata

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/core/model"
)

// Feed pushes upstream price ticks into the hub until ctx is cancelled.
type Feed interface {
	Run(ctx context.Context) error
}

// WSFeed streams ticks from an upstream websocket feed. The upstream is
// expected to deliver JSON frames shaped like feedTick.
type WSFeed struct {
	logger *zap.Logger
	hub    *Hub
	url    string
	subs   []string
}

type feedSubscribe struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

type feedTick struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
	Bid        string `json:"bid,omitempty"`
	Ask        string `json:"ask,omitempty"`
	Timestamp  int64  `json:"ts"` // unix milliseconds
}

func NewWSFeed(logger *zap.Logger, hub *Hub, url string, instruments []string) *WSFeed {
	return &WSFeed{logger: logger, hub: hub, url: url, subs: instruments}
}

// Run keeps the upstream connection alive, reconnecting with a short pause.
func (f *WSFeed) Run(ctx context.Context) error {
	for {
		if err := f.connect(ctx); err != nil {
			f.logger.Warn("price feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			f.logger.Info("price feed reconnecting", zap.String("url", f.url))
		}
	}
}

func (f *WSFeed) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(feedSubscribe{Type: "subscribe", Instruments: f.subs}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var raw feedTick
		if err := json.Unmarshal(msg, &raw); err != nil || raw.Type != "tick" {
			continue
		}
		price, err := decimal.NewFromString(raw.Price)
		if err != nil {
			continue
		}
		tick := model.PriceTick{
			Instrument: raw.Instrument,
			Price:      price,
			Timestamp:  time.UnixMilli(raw.Timestamp),
		}
		if bid, err := decimal.NewFromString(raw.Bid); err == nil {
			tick.Bid = bid
		}
		if ask, err := decimal.NewFromString(raw.Ask); err == nil {
			tick.Ask = ask
		}
		f.hub.Publish(tick)
	}
}

// SimFeed generates random-walk ticks for a fixed set of instruments. Meant
// for local runs without an upstream feed.
type SimFeed struct {
	logger   *zap.Logger
	hub      *Hub
	interval time.Duration
	prices   map[string]float64
}

func NewSimFeed(logger *zap.Logger, hub *Hub, instruments map[string]float64, interval time.Duration) *SimFeed {
	prices := make(map[string]float64, len(instruments))
	for ins, start := range instruments {
		prices[ins] = start
	}
	return &SimFeed{logger: logger, hub: hub, interval: interval, prices: prices}
}

func (f *SimFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for ins, p := range f.prices {
				drift := p * 0.001 * (rand.Float64()*2 - 1)
				next := math.Max(p+drift, 0.01)
				f.prices[ins] = next
				price := decimal.NewFromFloat(next).Round(4)
				spread := price.Mul(decimal.NewFromFloat(0.0005))
				f.hub.Publish(model.PriceTick{
					Instrument: ins,
					Price:      price,
					Bid:        price.Sub(spread),
					Ask:        price.Add(spread),
					Timestamp:  now,
				})
			}
		}
	}
}
