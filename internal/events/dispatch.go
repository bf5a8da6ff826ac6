// Package events moves passing analyses from the aggregator to
// subscribers and archives. Three transports: direct in-process dispatch
// into the hub (always available), NATS JetStream when NATS_URL is set,
// and a Kafka archive topic when brokers are configured.
package events

import (
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/hub"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Broadcaster is the hub surface the dispatchers publish through.
type Broadcaster interface {
	PublishTokenUpdate(address string, payload any)
	PublishAlert(alert hub.Alert)
}

// Direct dispatches analyses straight into the hub, used when no message
// bus is configured.
type Direct struct {
	hub Broadcaster
}

// NewDirect builds the in-process dispatcher.
func NewDirect(b Broadcaster) *Direct { return &Direct{hub: b} }

// PublishAnalysis fans the analysis out to the token channels and raises
// an alert for high-scoring tokens.
func (d *Direct) PublishAnalysis(a *types.CombinedAnalysis) {
	fanOut(d.hub, a)
	metrics.RecordEventPublished("direct")
}

// fanOut pushes one analysis into the hub: token channels plus an alert
// for high scorers. Shared by the direct dispatcher and the bus bridge so
// alert behavior does not depend on the transport.
func fanOut(b Broadcaster, a *types.CombinedAnalysis) {
	b.PublishTokenUpdate(a.Address, a)
	if alert, ok := scoreAlert(a); ok {
		b.PublishAlert(alert)
	}
}

// scoreAlert flags unusually strong candidates.
func scoreAlert(a *types.CombinedAnalysis) (hub.Alert, bool) {
	if !a.Passed || a.OverallScore < 85 {
		return hub.Alert{}, false
	}
	return hub.Alert{
		Level:   "info",
		Title:   "High-scoring token",
		Message: a.Market.Symbol,
		Address: a.Address,
	}, true
}
