// Package api exposes the vault engine over JSON-RPC 2.0.
package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/vault"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the engine.
type JSONRPCServer struct {
	engine *vault.Engine
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server.
func NewJSONRPCServer(engine *vault.Engine, logger log.Logger) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "api")
	}
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// engineError surfaces the engine's stable error code in the error data.
func engineError(err error) *RPCError {
	return &RPCError{
		Code:    InternalError,
		Message: err.Error(),
		Data:    map[string]interface{}{"code": vault.CodeOf(err)},
	}
}

// ServeHTTP implements http.Handler.
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = engineError(err)
		}
		s.sendErrorFull(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	s.sendErrorFull(w, id, &RPCError{Code: code, Message: message})
}

func (s *JSONRPCServer) sendErrorFull(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Ledger methods
	case "vault_deposit":
		return s.deposit(params)
	case "vault_requestWithdraw":
		return s.requestWithdraw(params)
	case "vault_cancelWithdrawRequest":
		return s.cancelWithdrawRequest(params)
	case "vault_withdraw":
		return s.withdraw(params)

	// Read methods
	case "vault_getVault":
		return s.getVault(params)
	case "vault_getInvestor":
		return s.getInvestor(params)
	case "vault_getEquity":
		return s.getEquity(params)
	case "vault_getOrderBook":
		return s.getOrderBook(params)

	case "vault_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// quoteUI renders settlement atoms as a decimal string in whole units.
func quoteUI(atoms uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(atoms), -6).String()
}

// parseQuoteUI converts a whole-unit decimal string to settlement atoms.
func parseQuoteUI(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	atoms := d.Shift(6)
	if !atoms.IsInteger() || atoms.IsNegative() {
		return 0, fmt.Errorf("amount %q is below atom resolution", s)
	}
	return uint64(atoms.IntPart()), nil
}

type depositParams struct {
	Vault     vault.Address   `json:"vault"`
	Authority vault.Address   `json:"authority"`
	Amount    string          `json:"amount"`
	Markets   []vault.Address `json:"markets"`
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	var p depositParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseQuoteUI(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	rec, err := s.engine.Deposit(p.Vault, p.Authority, amount, p.Markets)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"record": rec,
		"amount": quoteUI(amount),
	}, nil
}

type requestWithdrawParams struct {
	Vault     vault.Address   `json:"vault"`
	Authority vault.Address   `json:"authority"`
	Amount    uint64          `json:"amount"`
	Unit      string          `json:"unit"`
	Markets   []vault.Address `json:"markets"`
}

func parseUnit(s string) (vault.WithdrawUnit, error) {
	switch s {
	case "shares":
		return vault.WithdrawUnitShares, nil
	case "token":
		return vault.WithdrawUnitToken, nil
	case "shares_percent":
		return vault.WithdrawUnitSharesPercent, nil
	default:
		return 0, fmt.Errorf("unknown withdraw unit %q", s)
	}
}

func (s *JSONRPCServer) requestWithdraw(params json.RawMessage) (interface{}, error) {
	var p requestWithdrawParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	unit, err := parseUnit(p.Unit)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	rec, err := s.engine.RequestWithdraw(p.Vault, p.Authority, p.Amount, unit, p.Markets)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"record": rec}, nil
}

type vaultAuthorityParams struct {
	Vault     vault.Address   `json:"vault"`
	Authority vault.Address   `json:"authority"`
	Markets   []vault.Address `json:"markets"`
}

func (s *JSONRPCServer) cancelWithdrawRequest(params json.RawMessage) (interface{}, error) {
	var p vaultAuthorityParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	rec, err := s.engine.CancelWithdrawRequest(p.Vault, p.Authority, p.Markets)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"record": rec}, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p vaultAuthorityParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, rec, err := s.engine.Withdraw(p.Vault, p.Authority, p.Markets)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"record": rec,
		"amount": quoteUI(amount),
	}, nil
}

type vaultParams struct {
	Vault vault.Address `json:"vault"`
}

func (s *JSONRPCServer) getVault(params json.RawMessage) (interface{}, error) {
	var p vaultParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return s.engine.GetVault(p.Vault)
}

func (s *JSONRPCServer) getInvestor(params json.RawMessage) (interface{}, error) {
	var p vaultAuthorityParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return s.engine.GetInvestor(p.Vault, p.Authority)
}

type equityParams struct {
	Vault   vault.Address   `json:"vault"`
	Markets []vault.Address `json:"markets"`
}

func (s *JSONRPCServer) getEquity(params json.RawMessage) (interface{}, error) {
	var p equityParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	atoms, err := s.engine.CalculateEquity(p.Vault, p.Markets)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"atoms":  atoms,
		"equity": quoteUI(atoms),
	}, nil
}

type orderBookParams struct {
	Market vault.Address `json:"market"`
	Depth  int           `json:"depth"`
}

func (s *JSONRPCServer) getOrderBook(params json.RawMessage) (interface{}, error) {
	p := orderBookParams{Depth: 10}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	bids, asks, err := s.engine.OrderBookSnapshot(p.Market, p.Depth)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"bids": bids,
		"asks": asks,
	}, nil
}
