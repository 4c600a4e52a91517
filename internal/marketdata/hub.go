// Package marketdata maintains latest-price state per instrument and fans
// ticks out to the realtime layer.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/core/model"
	"github.com/meridianex/tradecore/pkg/metrics"
)

// Sink receives accepted ticks for realtime fan-out. Publish must not block.
type Sink interface {
	Publish(topic string, data []byte)
}

// TickerTopic names the realtime topic carrying an instrument's ticks.
func TickerTopic(instrument string) string {
	return "ticker:" + instrument
}

// mirrorTicksChannel carries accepted ticks between instances over the
// out-of-process backend.
const mirrorTicksChannel = "marketdata.ticks"

const mirrorPublishTimeout = 2 * time.Second

type entry struct {
	mu   sync.Mutex
	tick model.PriceTick
	set  bool
}

// Hub holds at most one latest tick per instrument. Publishing is
// last-write-wins by timestamp: a tick older than the held one is dropped
// so Latest stays time-monotonic.
type Hub struct {
	logger *zap.Logger
	sink   Sink

	mu      sync.RWMutex
	entries map[string]*entry
	mirror  PubSubBackend
}

// NewHub creates a hub. sink may be nil when no realtime fan-out is wired.
func NewHub(logger *zap.Logger, sink Sink) *Hub {
	return &Hub{
		logger:  logger,
		sink:    sink,
		entries: make(map[string]*entry),
	}
}

func (h *Hub) entryFor(instrument string) *entry {
	h.mu.RLock()
	e, ok := h.entries[instrument]
	h.mu.RUnlock()
	if ok {
		return e
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok = h.entries[instrument]; ok {
		return e
	}
	e = &entry{}
	h.entries[instrument] = e
	return e
}

// Publish applies a tick and notifies subscribers. Returns false when the
// tick was dropped as stale (an equal-or-newer tick was already held).
func (h *Hub) Publish(tick model.PriceTick) bool {
	e := h.entryFor(tick.Instrument)

	e.mu.Lock()
	if e.set && !tick.Timestamp.After(e.tick.Timestamp) {
		e.mu.Unlock()
		metrics.TicksDroppedStale.Inc()
		h.logger.Debug("dropped stale tick",
			zap.String("instrument", tick.Instrument),
			zap.Time("timestamp", tick.Timestamp))
		return false
	}
	e.tick = tick
	e.set = true
	e.mu.Unlock()

	metrics.TicksPublished.WithLabelValues(tick.Instrument).Inc()
	if h.sink != nil {
		if data, err := json.Marshal(tickEvent(tick)); err == nil {
			h.sink.Publish(TickerTopic(tick.Instrument), data)
		}
	}

	h.mu.RLock()
	mirror := h.mirror
	h.mu.RUnlock()
	if mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishTimeout)
		if err := mirror.Publish(ctx, mirrorTicksChannel, tick); err != nil {
			h.logger.Warn("tick mirror publish failed",
				zap.String("instrument", tick.Instrument), zap.Error(err))
		}
		cancel()
	}
	return true
}

// AttachMirror publishes every accepted tick to the backend and feeds ticks
// arriving on the backend into the hub, so instances sharing a channel
// converge on the same latest prices. Echoed ticks fail the staleness check
// and are not re-mirrored, which keeps the loop from oscillating.
func (h *Hub) AttachMirror(ctx context.Context, backend PubSubBackend) error {
	h.mu.Lock()
	h.mirror = backend
	h.mu.Unlock()

	return backend.Subscribe(ctx, mirrorTicksChannel, func(data []byte) {
		var tick model.PriceTick
		if err := json.Unmarshal(data, &tick); err != nil {
			h.logger.Warn("dropping malformed mirrored tick", zap.Error(err))
			return
		}
		h.Publish(tick)
	})
}

// Latest returns the current tick for an instrument, if any. Non-blocking
// point read.
func (h *Hub) Latest(instrument string) (model.PriceTick, bool) {
	h.mu.RLock()
	e, ok := h.entries[instrument]
	h.mu.RUnlock()
	if !ok {
		return model.PriceTick{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return model.PriceTick{}, false
	}
	return e.tick, true
}

// Snapshot returns the latest tick for every instrument the hub has seen.
func (h *Hub) Snapshot() []model.PriceTick {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.PriceTick, 0, len(h.entries))
	for _, e := range h.entries {
		e.mu.Lock()
		if e.set {
			out = append(out, e.tick)
		}
		e.mu.Unlock()
	}
	return out
}

// PriceUpdate is the realtime payload for a tick.
type PriceUpdate struct {
	Type string          `json:"type"` // always "price_update"
	Tick model.PriceTick `json:"data"`
}

func tickEvent(tick model.PriceTick) PriceUpdate {
	return PriceUpdate{Type: "price_update", Tick: tick}
}
