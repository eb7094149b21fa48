package vault

import (
	"sort"
)

// Side labels the resting side of an order.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Order is a resting limit order. PriceAtoms is quote atoms per whole base
// unit. BaseAtoms is the unfilled size. LockedQuote tracks the remaining
// quote escrow backing a bid.
type Order struct {
	ID          uint64
	Trader      Address
	Side        Side
	PriceAtoms  uint64
	BaseAtoms   uint64
	LockedQuote uint64
	Seq         uint64
}

// TraderState is a claimed seat's balances on one market. Funds must sit
// here before they can trade.
type TraderState struct {
	QuoteAtomsFree   uint64
	QuoteAtomsLocked uint64
	BaseAtomsFree    uint64
	BaseAtomsLocked  uint64
}

// FillSummary reports one taker crossing of the book.
type FillSummary struct {
	BaseFilled    uint64
	QuoteTraded   uint64
	FeeBaseAtoms  uint64
	FeeQuoteAtoms uint64
}

// Market is a central limit order book settling a base asset against the
// quote asset. Takers pay a fee on the asset they receive, floored per fill.
type Market struct {
	Address     Address
	BaseMint    Address
	QuoteMint   Address
	TakerFeeBps uint64

	bids []*Order
	asks []*Order

	seats map[Address]*TraderState

	nextOrderID uint64
	seq         uint64

	FeesBaseAtoms  uint64
	FeesQuoteAtoms uint64
}

// NewMarket creates an empty book for the pair.
func NewMarket(addr, baseMint, quoteMint Address, takerFeeBps uint64) *Market {
	return &Market{
		Address:     addr,
		BaseMint:    baseMint,
		QuoteMint:   quoteMint,
		TakerFeeBps: takerFeeBps,
		seats:       make(map[Address]*TraderState),
	}
}

// ClaimSeat registers a trader. Idempotent.
func (m *Market) ClaimSeat(trader Address) *TraderState {
	if ts, ok := m.seats[trader]; ok {
		return ts
	}
	ts := &TraderState{}
	m.seats[trader] = ts
	return ts
}

// GetTraderState returns the trader's seat.
func (m *Market) GetTraderState(trader Address) (*TraderState, error) {
	ts, ok := m.seats[trader]
	if !ok {
		return nil, ErrTraderStateNotFound
	}
	return ts, nil
}

// Deposit credits seat balances from outside custody.
func (m *Market) Deposit(trader Address, quoteAtoms, baseAtoms uint64) error {
	ts, err := m.GetTraderState(trader)
	if err != nil {
		return err
	}
	ts.QuoteAtomsFree = saturatingAddU64(ts.QuoteAtomsFree, quoteAtoms)
	ts.BaseAtomsFree = saturatingAddU64(ts.BaseAtomsFree, baseAtoms)
	return nil
}

// Withdraw debits free seat balances back to outside custody.
func (m *Market) Withdraw(trader Address, quoteAtoms, baseAtoms uint64) error {
	ts, err := m.GetTraderState(trader)
	if err != nil {
		return err
	}
	if ts.QuoteAtomsFree < quoteAtoms || ts.BaseAtomsFree < baseAtoms {
		return ErrOrderMustUseDepositedFunds
	}
	ts.QuoteAtomsFree -= quoteAtoms
	ts.BaseAtomsFree -= baseAtoms
	return nil
}

// quoteCost is the quote owed for base at price, rounded against the buyer.
func quoteCost(baseAtoms, priceAtoms uint64) (uint64, error) {
	return mulDivCeilU64(baseAtoms, priceAtoms, uint64(BasePrecision))
}

// quoteProceeds is the quote received for base at price, rounded against the
// seller.
func quoteProceeds(baseAtoms, priceAtoms uint64) (uint64, error) {
	return mulDivU64(baseAtoms, priceAtoms, uint64(BasePrecision))
}

// PlaceLimitOrder rests an order, escrowing the backing funds from the
// trader's free balance. Orders do not cross; a crossing price is rejected.
func (m *Market) PlaceLimitOrder(trader Address, side Side, priceAtoms, baseAtoms uint64) (uint64, error) {
	if priceAtoms == 0 || baseAtoms == 0 {
		return 0, ErrInvalidVaultDeposit
	}
	ts, err := m.GetTraderState(trader)
	if err != nil {
		return 0, err
	}
	if side == Bid {
		if best, ok := m.BestAsk(); ok && priceAtoms >= best {
			return 0, ErrOrderMustBeTakeOnly
		}
	} else {
		if best, ok := m.BestBid(); ok && priceAtoms <= best {
			return 0, ErrOrderMustBeTakeOnly
		}
	}

	m.nextOrderID++
	m.seq++
	o := &Order{
		ID:         m.nextOrderID,
		Trader:     trader,
		Side:       side,
		PriceAtoms: priceAtoms,
		BaseAtoms:  baseAtoms,
		Seq:        m.seq,
	}
	if side == Bid {
		locked, err := quoteCost(baseAtoms, priceAtoms)
		if err != nil {
			return 0, err
		}
		o.LockedQuote = locked
		if ts.QuoteAtomsFree < o.LockedQuote {
			return 0, ErrOrderMustUseDepositedFunds
		}
		ts.QuoteAtomsFree -= o.LockedQuote
		ts.QuoteAtomsLocked += o.LockedQuote
		m.bids = append(m.bids, o)
		sort.SliceStable(m.bids, func(i, j int) bool {
			if m.bids[i].PriceAtoms != m.bids[j].PriceAtoms {
				return m.bids[i].PriceAtoms > m.bids[j].PriceAtoms
			}
			return m.bids[i].Seq < m.bids[j].Seq
		})
	} else {
		if ts.BaseAtomsFree < baseAtoms {
			return 0, ErrOrderMustUseDepositedFunds
		}
		ts.BaseAtomsFree -= baseAtoms
		ts.BaseAtomsLocked += baseAtoms
		m.asks = append(m.asks, o)
		sort.SliceStable(m.asks, func(i, j int) bool {
			if m.asks[i].PriceAtoms != m.asks[j].PriceAtoms {
				return m.asks[i].PriceAtoms < m.asks[j].PriceAtoms
			}
			return m.asks[i].Seq < m.asks[j].Seq
		})
	}
	return o.ID, nil
}

// CancelOrders removes all of the trader's resting orders, releasing escrow.
func (m *Market) CancelOrders(trader Address) int {
	ts, err := m.GetTraderState(trader)
	if err != nil {
		return 0
	}
	n := 0
	keepBids := m.bids[:0]
	for _, o := range m.bids {
		if o.Trader != trader {
			keepBids = append(keepBids, o)
			continue
		}
		ts.QuoteAtomsLocked -= o.LockedQuote
		ts.QuoteAtomsFree += o.LockedQuote
		n++
	}
	m.bids = keepBids
	keepAsks := m.asks[:0]
	for _, o := range m.asks {
		if o.Trader != trader {
			keepAsks = append(keepAsks, o)
			continue
		}
		ts.BaseAtomsLocked -= o.BaseAtoms
		ts.BaseAtomsFree += o.BaseAtoms
		n++
	}
	m.asks = keepAsks
	return n
}

// BestBid returns the highest resting bid price.
func (m *Market) BestBid() (uint64, bool) {
	if len(m.bids) == 0 {
		return 0, false
	}
	return m.bids[0].PriceAtoms, true
}

// BestAsk returns the lowest resting ask price.
func (m *Market) BestAsk() (uint64, bool) {
	if len(m.asks) == 0 {
		return 0, false
	}
	return m.asks[0].PriceAtoms, true
}

// Price returns the price used to value base inventory: the best bid, since
// that is what inventory could be sold into, falling back to the best ask on
// a one-sided book.
func (m *Market) Price() (uint64, bool) {
	if p, ok := m.BestBid(); ok {
		return p, true
	}
	return m.BestAsk()
}

// PriceLevel is one aggregated book level.
type PriceLevel struct {
	PriceAtoms uint64 `json:"price_atoms"`
	BaseAtoms  uint64 `json:"base_atoms"`
}

func aggregate(orders []*Order, depth int) []PriceLevel {
	levels := make([]PriceLevel, 0, depth)
	for _, o := range orders {
		if n := len(levels); n > 0 && levels[n-1].PriceAtoms == o.PriceAtoms {
			levels[n-1].BaseAtoms += o.BaseAtoms
			continue
		}
		if depth > 0 && len(levels) == depth {
			break
		}
		levels = append(levels, PriceLevel{PriceAtoms: o.PriceAtoms, BaseAtoms: o.BaseAtoms})
	}
	return levels
}

// Snapshot returns the aggregated book up to depth levels per side.
func (m *Market) Snapshot(depth int) (bids, asks []PriceLevel) {
	return aggregate(m.bids, depth), aggregate(m.asks, depth)
}

// SwapQuoteForBase crosses the ask side spending at most quoteBudget from
// the trader's free quote. The taker fee comes out of the base received.
func (m *Market) SwapQuoteForBase(trader Address, quoteBudget uint64) (FillSummary, error) {
	var sum FillSummary
	ts, err := m.GetTraderState(trader)
	if err != nil {
		return sum, err
	}
	if ts.QuoteAtomsFree < quoteBudget {
		return sum, ErrOrderMustUseDepositedFunds
	}

	budget := quoteBudget
	for len(m.asks) > 0 && budget > 0 {
		o := m.asks[0]
		maxBase, err := mulDivU64(budget, uint64(BasePrecision), o.PriceAtoms)
		if err != nil {
			return sum, err
		}
		if maxBase == 0 {
			break
		}
		fill := o.BaseAtoms
		if maxBase < fill {
			fill = maxBase
		}
		cost, err := quoteCost(fill, o.PriceAtoms)
		if err != nil {
			return sum, err
		}
		if cost > budget {
			// ceil rounding can tip past the budget on the last lot
			fill--
			if fill == 0 {
				break
			}
			if cost, err = quoteCost(fill, o.PriceAtoms); err != nil {
				return sum, err
			}
		}

		maker, err := m.GetTraderState(o.Trader)
		if err != nil {
			return sum, err
		}
		maker.BaseAtomsLocked -= fill
		maker.QuoteAtomsFree += cost

		o.BaseAtoms -= fill
		if o.BaseAtoms == 0 {
			m.asks = m.asks[1:]
		}

		budget -= cost
		sum.BaseFilled += fill
		sum.QuoteTraded += cost
	}

	fee := sum.BaseFilled * m.TakerFeeBps / 10_000
	sum.FeeBaseAtoms = fee
	m.FeesBaseAtoms += fee

	ts.QuoteAtomsFree -= sum.QuoteTraded
	ts.BaseAtomsFree += sum.BaseFilled - fee
	return sum, nil
}

// SwapBaseForQuote crosses the bid side selling at most baseBudget from the
// trader's free base. The taker fee comes out of the quote received.
func (m *Market) SwapBaseForQuote(trader Address, baseBudget uint64) (FillSummary, error) {
	var sum FillSummary
	ts, err := m.GetTraderState(trader)
	if err != nil {
		return sum, err
	}
	if ts.BaseAtomsFree < baseBudget {
		return sum, ErrOrderMustUseDepositedFunds
	}

	remaining := baseBudget
	for len(m.bids) > 0 && remaining > 0 {
		o := m.bids[0]
		fill := o.BaseAtoms
		if remaining < fill {
			fill = remaining
		}
		proceeds, err := quoteProceeds(fill, o.PriceAtoms)
		if err != nil {
			return sum, err
		}

		maker, err := m.GetTraderState(o.Trader)
		if err != nil {
			return sum, err
		}
		maker.BaseAtomsFree += fill
		if proceeds > o.LockedQuote {
			proceeds = o.LockedQuote
		}
		maker.QuoteAtomsLocked -= proceeds
		o.LockedQuote -= proceeds

		o.BaseAtoms -= fill
		if o.BaseAtoms == 0 {
			// release escrow dust left by rounding
			maker.QuoteAtomsLocked -= o.LockedQuote
			maker.QuoteAtomsFree += o.LockedQuote
			o.LockedQuote = 0
			m.bids = m.bids[1:]
		}

		remaining -= fill
		sum.BaseFilled += fill
		sum.QuoteTraded += proceeds
	}

	fee := sum.QuoteTraded * m.TakerFeeBps / 10_000
	sum.FeeQuoteAtoms = fee
	m.FeesQuoteAtoms += fee

	ts.BaseAtomsFree -= sum.BaseFilled
	ts.QuoteAtomsFree += sum.QuoteTraded - fee
	return sum, nil
}

// PositionFor snapshots the trader's seat as a vault market position.
func (m *Market) PositionFor(trader Address) (MarketPosition, error) {
	ts, err := m.GetTraderState(trader)
	if err != nil {
		return MarketPosition{}, err
	}
	return MarketPosition{
		Market:          m.Address,
		QuoteLotsLocked: ts.QuoteAtomsLocked,
		QuoteLotsFree:   ts.QuoteAtomsFree,
		BaseLotsLocked:  ts.BaseAtomsLocked,
		BaseLotsFree:    ts.BaseAtomsFree,
	}, nil
}
