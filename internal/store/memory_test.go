package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

func analysis(addr string, score float64) *types.CombinedAnalysis {
	return &types.CombinedAnalysis{
		Address: addr,
		Market: types.MarketSnapshot{
			Address:   addr,
			Symbol:    "MEME",
			Name:      "Meme Token",
			Price:     0.0042,
			MarketCap: 120000,
			Volume24h: 9000,
			Liquidity: 25000,
		},
		Security:     types.SecurityReport{Address: addr, SafetyScore: 8},
		OverallScore: score,
		Passed:       true,
		Timestamp:    time.Now(),
	}
}

func TestPersistAnalysesRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res := m.PersistAnalyses(ctx, []*types.CombinedAnalysis{analysis("tok1", 91)})
	assert.Equal(t, 1, res.Persisted)
	assert.Zero(t, res.Failed)

	tok, ok := m.Token(ctx, "tok1")
	require.True(t, ok)
	assert.Equal(t, "MEME", tok.Symbol)
	assert.Equal(t, 0.0042, tok.Price)
	assert.Equal(t, 8.0, tok.SafetyScore)
	assert.Equal(t, 91.0, tok.OverallScore)
	assert.False(t, tok.FirstSeen.IsZero())

	snaps := m.Snapshots(ctx, "tok1", 0)
	require.Len(t, snaps, 1)
	assert.Equal(t, 0.0042, snaps[0].Price)
}

func TestPersistBatchIsolatesFailures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res := m.PersistAnalyses(ctx, []*types.CombinedAnalysis{
		analysis("good1", 90),
		{Address: ""}, // malformed
		nil,
		analysis("good2", 88),
	})
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)

	_, ok := m.Token(ctx, "good1")
	assert.True(t, ok)
	_, ok = m.Token(ctx, "good2")
	assert.True(t, ok)
}

func TestPersistPreservesFirstSeen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.PersistAnalyses(ctx, []*types.CombinedAnalysis{analysis("tok", 80)})
	first, _ := m.Token(ctx, "tok")

	time.Sleep(2 * time.Millisecond)
	m.PersistAnalyses(ctx, []*types.CombinedAnalysis{analysis("tok", 95)})
	second, _ := m.Token(ctx, "tok")

	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, 95.0, second.OverallScore)

	// Re-persisting appends snapshots rather than overwriting.
	assert.Len(t, m.Snapshots(ctx, "tok", 0), 2)
}

func TestPersistNormalizesAddress(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.PersistAnalyses(ctx, []*types.CombinedAnalysis{analysis("  TokX  ", 70)})
	tok, ok := m.Token(ctx, "TOKX")
	require.True(t, ok)
	assert.Equal(t, "tokx", tok.Address)
}

func TestPersistCancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := m.PersistAnalyses(ctx, []*types.CombinedAnalysis{analysis("tok", 90)})
	assert.Zero(t, res.Persisted)
	assert.Equal(t, 1, res.Failed)
	_, ok := m.Token(context.Background(), "tok")
	assert.False(t, ok, "a cancelled persist leaves no partial rows")
}

func TestUpsertToken(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.Error(t, m.UpsertToken(ctx, Token{}), "address is required")

	seen := time.Now().Add(-time.Hour)
	require.NoError(t, m.UpsertToken(ctx, Token{Address: "Tok", Symbol: "A", FirstSeen: seen}))
	require.NoError(t, m.UpsertToken(ctx, Token{Address: "TOK", Symbol: "B"}))

	tok, ok := m.Token(ctx, "tok")
	require.True(t, ok)
	assert.Equal(t, "B", tok.Symbol)
	assert.Equal(t, seen, tok.FirstSeen, "the original first-seen time survives upserts")
}

func TestTokensOrderAndLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, addr := range []string{"a", "b", "c"} {
		m.PersistAnalyses(ctx, []*types.CombinedAnalysis{analysis(addr, 80)})
		time.Sleep(2 * time.Millisecond)
	}

	all := m.Tokens(ctx, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Address, "most recently updated first")

	top := m.Tokens(ctx, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "c", top[0].Address)
	assert.Equal(t, "b", top[1].Address)
}

func TestSnapshotsLimitKeepsNewest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendPriceSnapshot(ctx, PriceSnapshot{
			Address: "tok",
			Price:   float64(i),
			TakenAt: time.Now(),
		}))
	}

	snaps := m.Snapshots(ctx, "tok", 2)
	require.Len(t, snaps, 2)
	assert.Equal(t, 3.0, snaps[0].Price)
	assert.Equal(t, 4.0, snaps[1].Price)

	assert.Empty(t, m.Snapshots(ctx, "unknown", 0))
}

func TestAppendSafetySnapshot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.Error(t, m.AppendSafetySnapshot(ctx, SafetySnapshot{}))
	require.NoError(t, m.AppendSafetySnapshot(ctx, SafetySnapshot{Address: "tok", SafetyScore: 7}))
}
