// Package store defines the persistence port the aggregator writes
// through, plus an in-memory implementation. The concrete SQL store lives
// behind the same interface and is out of scope here.
package store

import (
	"context"
	"time"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Token is the persisted token row, upserted per analysis.
type Token struct {
	Address      string    `json:"address"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	Price        float64   `json:"price"`
	MarketCap    float64   `json:"marketCap"`
	Volume24h    float64   `json:"volume24h"`
	Liquidity    float64   `json:"liquidity"`
	SafetyScore  float64   `json:"safetyScore"`
	OverallScore float64   `json:"overallScore"`
	FirstSeen    time.Time `json:"firstSeen"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PriceSnapshot is one appended price observation.
type PriceSnapshot struct {
	Address   string    `json:"address"`
	Price     float64   `json:"price"`
	Volume24h float64   `json:"volume24h"`
	Liquidity float64   `json:"liquidity"`
	TakenAt   time.Time `json:"takenAt"`
}

// SafetySnapshot is one appended safety observation.
type SafetySnapshot struct {
	Address      string    `json:"address"`
	SafetyScore  float64   `json:"safetyScore"`
	OverallScore float64   `json:"overallScore"`
	HoneypotRisk bool      `json:"honeypotRisk"`
	TakenAt      time.Time `json:"takenAt"`
}

// BatchResult reports a PersistAnalyses outcome. One analysis failing does
// not abort the rest of the batch.
type BatchResult struct {
	Persisted int      `json:"persisted"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Store is the persistence port. PersistAnalyses applies, per analysis, an
// all-or-nothing transaction: token upsert plus price and safety snapshot
// appends.
type Store interface {
	PersistAnalyses(ctx context.Context, analyses []*types.CombinedAnalysis) BatchResult
	UpsertToken(ctx context.Context, t Token) error
	AppendPriceSnapshot(ctx context.Context, s PriceSnapshot) error
	AppendSafetySnapshot(ctx context.Context, s SafetySnapshot) error
	Token(ctx context.Context, address string) (Token, bool)
	Tokens(ctx context.Context, limit int) []Token
	Snapshots(ctx context.Context, address string, limit int) []PriceSnapshot
}
