package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Memory is the in-process Store. All reads return copies; writes for one
// analysis are staged and committed under the lock so a failed analysis
// leaves no partial rows.
type Memory struct {
	mu       sync.RWMutex
	tokens   map[string]Token
	prices   map[string][]PriceSnapshot
	safeties map[string][]SafetySnapshot
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tokens:   make(map[string]Token),
		prices:   make(map[string][]PriceSnapshot),
		safeties: make(map[string][]SafetySnapshot),
	}
}

// PersistAnalyses persists each analysis independently. A malformed
// analysis is counted as failed and skipped; the rest of the batch
// proceeds.
func (m *Memory) PersistAnalyses(ctx context.Context, analyses []*types.CombinedAnalysis) BatchResult {
	var res BatchResult
	for _, a := range analyses {
		if err := m.persistOne(ctx, a); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			metrics.RecordPersistFailure()
			continue
		}
		res.Persisted++
		metrics.RecordPersisted()
	}
	return res
}

func (m *Memory) persistOne(ctx context.Context, a *types.CombinedAnalysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a == nil || a.Address == "" {
		return types.NewError(types.KindInvariant, "store", fmt.Errorf("analysis missing address"))
	}
	addr := types.NormalizeAddress(a.Address)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[addr]
	if !exists {
		token = Token{Address: addr, FirstSeen: now}
	}
	token.Symbol = a.Market.Symbol
	token.Name = a.Market.Name
	token.Price = a.Market.Price
	token.MarketCap = a.Market.MarketCap
	token.Volume24h = a.Market.Volume24h
	token.Liquidity = a.Market.Liquidity
	token.SafetyScore = a.Security.SafetyScore
	token.OverallScore = a.OverallScore
	token.UpdatedAt = now

	// Commit all three writes together.
	m.tokens[addr] = token
	m.prices[addr] = append(m.prices[addr], PriceSnapshot{
		Address:   addr,
		Price:     a.Market.Price,
		Volume24h: a.Market.Volume24h,
		Liquidity: a.Market.Liquidity,
		TakenAt:   now,
	})
	m.safeties[addr] = append(m.safeties[addr], SafetySnapshot{
		Address:      addr,
		SafetyScore:  a.Security.SafetyScore,
		OverallScore: a.OverallScore,
		HoneypotRisk: a.Security.HoneypotRisk,
		TakenAt:      now,
	})
	return nil
}

// UpsertToken inserts or updates one token row.
func (m *Memory) UpsertToken(_ context.Context, t Token) error {
	if t.Address == "" {
		return types.NewError(types.KindInvariant, "store", fmt.Errorf("token missing address"))
	}
	addr := types.NormalizeAddress(t.Address)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.tokens[addr]; ok {
		t.FirstSeen = prev.FirstSeen
	} else if t.FirstSeen.IsZero() {
		t.FirstSeen = time.Now()
	}
	t.Address = addr
	m.tokens[addr] = t
	return nil
}

// AppendPriceSnapshot appends one price observation.
func (m *Memory) AppendPriceSnapshot(_ context.Context, s PriceSnapshot) error {
	if s.Address == "" {
		return types.NewError(types.KindInvariant, "store", fmt.Errorf("snapshot missing address"))
	}
	addr := types.NormalizeAddress(s.Address)
	s.Address = addr
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[addr] = append(m.prices[addr], s)
	return nil
}

// AppendSafetySnapshot appends one safety observation.
func (m *Memory) AppendSafetySnapshot(_ context.Context, s SafetySnapshot) error {
	if s.Address == "" {
		return types.NewError(types.KindInvariant, "store", fmt.Errorf("snapshot missing address"))
	}
	addr := types.NormalizeAddress(s.Address)
	s.Address = addr
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safeties[addr] = append(m.safeties[addr], s)
	return nil
}

// Token returns one token row by address.
func (m *Memory) Token(_ context.Context, address string) (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[types.NormalizeAddress(address)]
	return t, ok
}

// Tokens returns up to limit rows, most recently updated first.
func (m *Memory) Tokens(_ context.Context, limit int) []Token {
	m.mu.RLock()
	out := make([]Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshots returns up to limit price snapshots for address, newest last.
func (m *Memory) Snapshots(_ context.Context, address string, limit int) []PriceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.prices[types.NormalizeAddress(address)]
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}
	out := make([]PriceSnapshot, len(snaps))
	copy(out, snaps)
	return out
}

var _ Store = (*Memory)(nil)
