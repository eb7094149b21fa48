package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMarket(feeBps uint64) *Market {
	return NewMarket(testAddr(50), testAddr(51), testAddr(52), feeBps)
}

func TestSeatAccounting(t *testing.T) {
	m := newTestMarket(0)
	trader := testAddr(60)

	t.Run("ClaimSeatIdempotent", func(t *testing.T) {
		ts := m.ClaimSeat(trader)
		ts.QuoteAtomsFree = 100
		again := m.ClaimSeat(trader)
		assert.Equal(t, uint64(100), again.QuoteAtomsFree)
	})

	t.Run("UnclaimedSeat", func(t *testing.T) {
		_, err := m.GetTraderState(testAddr(61))
		assert.ErrorIs(t, err, ErrTraderStateNotFound)
	})

	t.Run("DepositWithdraw", func(t *testing.T) {
		require.NoError(t, m.Deposit(trader, 1000, 2000))
		ts, err := m.GetTraderState(trader)
		require.NoError(t, err)
		assert.Equal(t, uint64(1100), ts.QuoteAtomsFree)
		assert.Equal(t, uint64(2000), ts.BaseAtomsFree)

		require.NoError(t, m.Withdraw(trader, 1100, 0))
		assert.ErrorIs(t, m.Withdraw(trader, 1, 0), ErrOrderMustUseDepositedFunds)
	})
}

func TestPlaceLimitOrder(t *testing.T) {
	m := newTestMarket(0)
	trader := testAddr(60)
	m.ClaimSeat(trader)
	require.NoError(t, m.Deposit(trader, 10_000_000, 10_000_000_000))

	t.Run("BidEscrowsQuote", func(t *testing.T) {
		// 5 whole base at 1.0 quote each
		id, err := m.PlaceLimitOrder(trader, Bid, 1_000_000, 5_000_000_000)
		require.NoError(t, err)
		assert.NotZero(t, id)
		ts, _ := m.GetTraderState(trader)
		assert.Equal(t, uint64(5_000_000), ts.QuoteAtomsLocked)
		assert.Equal(t, uint64(5_000_000), ts.QuoteAtomsFree)
		best, ok := m.BestBid()
		require.True(t, ok)
		assert.Equal(t, uint64(1_000_000), best)
	})

	t.Run("AskEscrowsBase", func(t *testing.T) {
		_, err := m.PlaceLimitOrder(trader, Ask, 2_000_000, 4_000_000_000)
		require.NoError(t, err)
		ts, _ := m.GetTraderState(trader)
		assert.Equal(t, uint64(4_000_000_000), ts.BaseAtomsLocked)
	})

	t.Run("CrossingBidRejected", func(t *testing.T) {
		_, err := m.PlaceLimitOrder(trader, Bid, 2_000_000, 1_000_000_000)
		assert.ErrorIs(t, err, ErrOrderMustBeTakeOnly)
	})

	t.Run("CrossingAskRejected", func(t *testing.T) {
		_, err := m.PlaceLimitOrder(trader, Ask, 1_000_000, 1_000_000_000)
		assert.ErrorIs(t, err, ErrOrderMustBeTakeOnly)
	})

	t.Run("InsufficientEscrow", func(t *testing.T) {
		_, err := m.PlaceLimitOrder(trader, Bid, 900_000, 100_000_000_000)
		assert.ErrorIs(t, err, ErrOrderMustUseDepositedFunds)
	})

	t.Run("PriceReadsBidFirst", func(t *testing.T) {
		p, ok := m.Price()
		require.True(t, ok)
		assert.Equal(t, uint64(1_000_000), p)
	})

	t.Run("CancelReleasesEscrow", func(t *testing.T) {
		n := m.CancelOrders(trader)
		assert.Equal(t, 2, n)
		ts, _ := m.GetTraderState(trader)
		assert.Equal(t, uint64(0), ts.QuoteAtomsLocked)
		assert.Equal(t, uint64(0), ts.BaseAtomsLocked)
		assert.Equal(t, uint64(10_000_000), ts.QuoteAtomsFree)
		assert.Equal(t, uint64(10_000_000_000), ts.BaseAtomsFree)
	})
}

func TestOrderBookSnapshotLevels(t *testing.T) {
	m := newTestMarket(0)
	maker := testAddr(60)
	m.ClaimSeat(maker)
	require.NoError(t, m.Deposit(maker, 100_000_000, 100_000_000_000))

	for _, p := range []uint64{1_000_000, 1_000_000, 900_000, 800_000} {
		_, err := m.PlaceLimitOrder(maker, Bid, p, 1_000_000_000)
		require.NoError(t, err)
	}
	_, err := m.PlaceLimitOrder(maker, Ask, 1_100_000, 2_000_000_000)
	require.NoError(t, err)

	bids, asks := m.Snapshot(2)
	require.Len(t, bids, 2)
	assert.Equal(t, PriceLevel{PriceAtoms: 1_000_000, BaseAtoms: 2_000_000_000}, bids[0])
	assert.Equal(t, PriceLevel{PriceAtoms: 900_000, BaseAtoms: 1_000_000_000}, bids[1])
	require.Len(t, asks, 1)
	assert.Equal(t, PriceLevel{PriceAtoms: 1_100_000, BaseAtoms: 2_000_000_000}, asks[0])
}

func TestSwapQuoteForBase(t *testing.T) {
	m := newTestMarket(1) // 1 bps taker fee
	maker := testAddr(60)
	taker := testAddr(61)
	m.ClaimSeat(maker)
	m.ClaimSeat(taker)
	require.NoError(t, m.Deposit(maker, 0, 10_000_000_000))
	require.NoError(t, m.Deposit(taker, 1_000_000_000, 0))

	// 10 whole base offered at 99.999999 quote each
	_, err := m.PlaceLimitOrder(maker, Ask, 99_999_999, 10_000_000_000)
	require.NoError(t, err)

	sum, err := m.SwapQuoteForBase(taker, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000_000), sum.BaseFilled)
	assert.Equal(t, uint64(999_999_990), sum.QuoteTraded)
	assert.Equal(t, uint64(1_000_000), sum.FeeBaseAtoms)

	ts, _ := m.GetTraderState(taker)
	// ten quote atoms of the budget were unspendable at this price
	assert.Equal(t, uint64(10), ts.QuoteAtomsFree)
	assert.Equal(t, uint64(9_999_000_000), ts.BaseAtomsFree)

	maker_, _ := m.GetTraderState(maker)
	assert.Equal(t, uint64(999_999_990), maker_.QuoteAtomsFree)
	assert.Equal(t, uint64(0), maker_.BaseAtomsLocked)
	assert.Equal(t, uint64(1_000_000), m.FeesBaseAtoms)

	_, ok := m.BestAsk()
	assert.False(t, ok)
}

func TestSwapBaseForQuote(t *testing.T) {
	m := newTestMarket(10) // 10 bps
	maker := testAddr(60)
	taker := testAddr(61)
	m.ClaimSeat(maker)
	m.ClaimSeat(taker)
	require.NoError(t, m.Deposit(maker, 10_000_000, 0))
	require.NoError(t, m.Deposit(taker, 0, 10_000_000_000))

	// bid for 10 whole base at 1.0 quote each
	_, err := m.PlaceLimitOrder(maker, Bid, 1_000_000, 10_000_000_000)
	require.NoError(t, err)

	t.Run("PartialFill", func(t *testing.T) {
		sum, err := m.SwapBaseForQuote(taker, 4_000_000_000)
		require.NoError(t, err)
		assert.Equal(t, uint64(4_000_000_000), sum.BaseFilled)
		assert.Equal(t, uint64(4_000_000), sum.QuoteTraded)
		assert.Equal(t, uint64(4_000), sum.FeeQuoteAtoms)

		ts, _ := m.GetTraderState(taker)
		assert.Equal(t, uint64(3_996_000), ts.QuoteAtomsFree)
		assert.Equal(t, uint64(6_000_000_000), ts.BaseAtomsFree)

		best, ok := m.BestBid()
		require.True(t, ok)
		assert.Equal(t, uint64(1_000_000), best)
	})

	t.Run("FillRemainderReleasesEscrow", func(t *testing.T) {
		_, err := m.SwapBaseForQuote(taker, 6_000_000_000)
		require.NoError(t, err)
		_, ok := m.BestBid()
		assert.False(t, ok)
		maker_, _ := m.GetTraderState(maker)
		assert.Equal(t, uint64(0), maker_.QuoteAtomsLocked)
		assert.Equal(t, uint64(10_000_000_000), maker_.BaseAtomsFree)
	})

	t.Run("OverBudget", func(t *testing.T) {
		_, err := m.SwapBaseForQuote(taker, 100_000_000_000)
		assert.ErrorIs(t, err, ErrOrderMustUseDepositedFunds)
	})
}

func TestPositionFor(t *testing.T) {
	m := newTestMarket(0)
	trader := testAddr(60)
	m.ClaimSeat(trader)
	require.NoError(t, m.Deposit(trader, 5_000_000, 1_000_000_000))
	_, err := m.PlaceLimitOrder(trader, Bid, 1_000_000, 3_000_000_000)
	require.NoError(t, err)

	pos, err := m.PositionFor(trader)
	require.NoError(t, err)
	assert.Equal(t, m.Address, pos.Market)
	assert.Equal(t, uint64(3_000_000), pos.QuoteLotsLocked)
	assert.Equal(t, uint64(2_000_000), pos.QuoteLotsFree)
	assert.Equal(t, uint64(1_000_000_000), pos.BaseLotsFree)
}
