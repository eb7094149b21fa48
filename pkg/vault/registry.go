package vault

// MarketRegistry is the deployment-wide allow-list of venue markets vaults
// may hold positions on, plus the canonical mints equity is denominated in.
// A single instance exists per engine.
type MarketRegistry struct {
	// Authority may extend the allow-list.
	Authority Address
	// QuoteMint is the settlement asset; all vault equity is denominated
	// in its atoms.
	QuoteMint Address
	// BaseMint is the native asset traded on the canonical settlement
	// market.
	BaseMint Address
	// Markets is the allow-list in registration order.
	Markets []Address
}

// NewMarketRegistry creates the singleton allow-list.
func NewMarketRegistry(authority, quoteMint, baseMint Address) *MarketRegistry {
	return &MarketRegistry{
		Authority: authority,
		QuoteMint: quoteMint,
		BaseMint:  baseMint,
	}
}

// Contains reports whether the market is allow-listed.
func (r *MarketRegistry) Contains(market Address) bool {
	for _, m := range r.Markets {
		if m == market {
			return true
		}
	}
	return false
}

// AddMarket extends the allow-list. Only the registry authority may call.
func (r *MarketRegistry) AddMarket(authority, market Address) error {
	if authority != r.Authority {
		return ErrInvalidAuthority
	}
	if r.Contains(market) {
		return nil
	}
	r.Markets = append(r.Markets, market)
	return nil
}
