package vault

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
)

// Store persists the ledger state (vaults, investors, registry, custody) to
// a key-value database. Venue books are not persisted; they are the venue's
// state, not the ledger's, and are rebuilt from the venue on restart.
type Store struct {
	db database.Database
}

// NewStore wraps a database.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

func vaultKey(addr Address) []byte {
	return []byte("vault/" + addr.String())
}

func investorKey(addr Address) []byte {
	return []byte("investor/" + addr.String())
}

var (
	registryKey      = []byte("registry")
	custodyKey       = []byte("custody")
	vaultIndexKey    = []byte("index/vaults")
	investorIndexKey = []byte("index/investors")
)

func (s *Store) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Put(key, data)
}

func (s *Store) get(key []byte, v interface{}) error {
	data, err := s.db.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SaveVault writes one vault.
func (s *Store) SaveVault(v *Vault) error {
	return s.put(vaultKey(v.Pubkey), v)
}

// LoadVault reads one vault.
func (s *Store) LoadVault(addr Address) (*Vault, error) {
	var v Vault
	if err := s.get(vaultKey(addr), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// SaveInvestor writes one investor.
func (s *Store) SaveInvestor(inv *Investor) error {
	return s.put(investorKey(inv.Pubkey), inv)
}

// LoadInvestor reads one investor.
func (s *Store) LoadInvestor(addr Address) (*Investor, error) {
	var inv Investor
	if err := s.get(investorKey(addr), &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// SaveRegistry writes the market registry.
func (s *Store) SaveRegistry(r *MarketRegistry) error {
	return s.put(registryKey, r)
}

// LoadRegistry reads the market registry.
func (s *Store) LoadRegistry() (*MarketRegistry, error) {
	var r MarketRegistry
	if err := s.get(registryKey, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Persist snapshots the full ledger.
func (e *Engine) Persist(s *Store) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vaultAddrs := make([]Address, 0, len(e.vaults))
	for addr, v := range e.vaults {
		if err := s.SaveVault(v); err != nil {
			return err
		}
		vaultAddrs = append(vaultAddrs, addr)
	}
	investorAddrs := make([]Address, 0, len(e.investors))
	for addr, inv := range e.investors {
		if err := s.SaveInvestor(inv); err != nil {
			return err
		}
		investorAddrs = append(investorAddrs, addr)
	}
	if err := s.put(vaultIndexKey, vaultAddrs); err != nil {
		return err
	}
	if err := s.put(investorIndexKey, investorAddrs); err != nil {
		return err
	}
	if err := s.put(custodyKey, e.custody); err != nil {
		return err
	}
	if e.registry != nil {
		if err := s.SaveRegistry(e.registry); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads a ledger snapshot into an empty engine.
func (e *Engine) Restore(s *Store) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var vaultAddrs []Address
	if err := s.get(vaultIndexKey, &vaultAddrs); err != nil {
		if err == database.ErrNotFound {
			return nil
		}
		return err
	}
	for _, addr := range vaultAddrs {
		v, err := s.LoadVault(addr)
		if err != nil {
			return err
		}
		e.vaults[addr] = v
	}

	var investorAddrs []Address
	if err := s.get(investorIndexKey, &investorAddrs); err != nil && err != database.ErrNotFound {
		return err
	}
	for _, addr := range investorAddrs {
		inv, err := s.LoadInvestor(addr)
		if err != nil {
			return err
		}
		e.investors[addr] = inv
	}

	var custody map[Address]uint64
	if err := s.get(custodyKey, &custody); err != nil && err != database.ErrNotFound {
		return err
	}
	if custody != nil {
		e.custody = custody
	}

	r, err := s.LoadRegistry()
	if err != nil && err != database.ErrNotFound {
		return err
	}
	if err == nil {
		e.registry = r
	}
	return nil
}
