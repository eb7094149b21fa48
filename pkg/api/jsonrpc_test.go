package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/vault"
)

func testAddr(last byte) vault.Address {
	var a vault.Address
	a[31] = last
	return a
}

func newTestServer(t *testing.T) (*JSONRPCServer, *vault.Engine, vault.Address, vault.Address) {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	engine := vault.NewEngine(logger, nil, nil)
	_, err := engine.InitializeMarketRegistry(testAddr(100), testAddr(101), testAddr(102))
	require.NoError(t, err)

	var name [32]byte
	copy(name[:], "rpc-test")
	vaultAddr, err := engine.InitializeVault(vault.VaultParams{
		Name:    name,
		Manager: testAddr(1),
	})
	require.NoError(t, err)

	investor := testAddr(7)
	_, err = engine.InitializeInvestor(vaultAddr, investor, investor)
	require.NoError(t, err)

	return NewJSONRPCServer(engine, logger), engine, vaultAddr, investor
}

func callRPC(t *testing.T, server *JSONRPCServer, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func TestJSONRPCServer_Ping(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	resp := callRPC(t, server, `{"jsonrpc":"2.0","method":"vault_ping","params":{},"id":1}`)
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestJSONRPCServer_DepositAndEquity(t *testing.T) {
	server, _, vaultAddr, investor := newTestServer(t)

	body := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"vault_deposit","params":{"vault":"%s","authority":"%s","amount":"1.5"},"id":2}`,
		vaultAddr, investor)
	resp := callRPC(t, server, body)
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "1.5", result["amount"])
	assert.NotNil(t, result["record"])

	body = fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"vault_getEquity","params":{"vault":"%s"},"id":3}`,
		vaultAddr)
	resp = callRPC(t, server, body)
	require.Nil(t, resp["error"])
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "1.5", result["equity"])
	assert.Equal(t, float64(1_500_000), result["atoms"])
}

func TestJSONRPCServer_WithdrawFlow(t *testing.T) {
	server, engine, vaultAddr, investor := newTestServer(t)
	now := int64(1_700_000_000)
	engine.Now = func() int64 { return now }

	_, err := engine.Deposit(vaultAddr, investor, 2_000_000, nil)
	require.NoError(t, err)

	body := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"vault_requestWithdraw","params":{"vault":"%s","authority":"%s","amount":1000000,"unit":"shares_percent"},"id":4}`,
		vaultAddr, investor)
	resp := callRPC(t, server, body)
	require.Nil(t, resp["error"])

	// zero redeem period, the request is payable immediately
	body = fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"vault_withdraw","params":{"vault":"%s","authority":"%s"},"id":5}`,
		vaultAddr, investor)
	resp = callRPC(t, server, body)
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "2", result["amount"])
}

func TestJSONRPCServer_GetVault(t *testing.T) {
	server, _, vaultAddr, _ := newTestServer(t)

	body := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"vault_getVault","params":{"vault":"%s"},"id":6}`, vaultAddr)
	resp := callRPC(t, server, body)
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, testAddr(1).String(), result["Manager"])
}

func TestJSONRPCServer_Errors(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	t.Run("MethodNotFound", func(t *testing.T) {
		resp := callRPC(t, server, `{"jsonrpc":"2.0","method":"vault_nope","params":{},"id":1}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(MethodNotFound), rpcErr["code"])
	})

	t.Run("ParseError", func(t *testing.T) {
		resp := callRPC(t, server, `{not json`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(ParseError), rpcErr["code"])
	})

	t.Run("InvalidVersion", func(t *testing.T) {
		resp := callRPC(t, server, `{"jsonrpc":"1.0","method":"vault_ping","params":{},"id":1}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidRequest), rpcErr["code"])
	})

	t.Run("EngineError", func(t *testing.T) {
		body := fmt.Sprintf(
			`{"jsonrpc":"2.0","method":"vault_getVault","params":{"vault":"%s"},"id":1}`, testAddr(250))
		resp := callRPC(t, server, body)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InternalError), rpcErr["code"])
		assert.NotEmpty(t, rpcErr["message"])
	})

	t.Run("GetRejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rpc", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestParseQuoteUI(t *testing.T) {
	atoms, err := parseQuoteUI("1.5")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), atoms)

	atoms, err = parseQuoteUI("0.000001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), atoms)

	_, err = parseQuoteUI("0.0000001")
	assert.Error(t, err)

	_, err = parseQuoteUI("-1")
	assert.Error(t, err)

	_, err = parseQuoteUI("notanumber")
	assert.Error(t, err)

	assert.Equal(t, "1.5", quoteUI(1_500_000))
	assert.Equal(t, "0", quoteUI(0))
}
