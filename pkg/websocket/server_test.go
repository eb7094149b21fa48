package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/vault"
)

func newTestFeed(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()
	level, _ := log.ToLevel("error")
	s := NewServer(log.NewTestLogger(level))
	s.Start()
	t.Cleanup(s.Stop)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return s, conn
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count never reached %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedDeliversRecords(t *testing.T) {
	s, conn := newTestFeed(t)
	waitForClients(t, s, 1)

	sub := SubscribeRequest{Type: "subscribe", Channels: []string{"records"}}
	require.NoError(t, conn.WriteJSON(sub))
	// subscription races the emit below without a short settle
	time.Sleep(50 * time.Millisecond)

	rec := vault.InvestorRecord{
		Ts:     1_700_000_000,
		Vault:  vault.Address{31: 9},
		Action: vault.ActionDeposit,
		Amount: 1_000_000,
	}
	s.EmitInvestorRecord(rec)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "investor_record", msg.Type)
	assert.Equal(t, "records."+rec.Vault.String(), msg.Channel)
	assert.Equal(t, uint64(1), msg.Sequence)
}

func TestFeedPerVaultChannel(t *testing.T) {
	s, conn := newTestFeed(t)
	waitForClients(t, s, 1)

	target := vault.Address{31: 5}
	other := vault.Address{31: 6}
	sub := SubscribeRequest{Type: "subscribe", Channels: []string{"records." + target.String()}}
	require.NoError(t, conn.WriteJSON(sub))
	time.Sleep(50 * time.Millisecond)

	s.EmitInvestorRecord(vault.InvestorRecord{Vault: other, Action: vault.ActionDeposit})
	s.EmitInvestorRecord(vault.InvestorRecord{Vault: target, Action: vault.ActionWithdraw})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "records."+target.String(), msg.Channel)
}

func TestFeedUnsubscribedClientGetsNothing(t *testing.T) {
	s, conn := newTestFeed(t)
	waitForClients(t, s, 1)

	s.EmitInvestorRecord(vault.InvestorRecord{Vault: vault.Address{31: 1}})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestFeedClientDisconnect(t *testing.T) {
	s, conn := newTestFeed(t)
	waitForClients(t, s, 1)
	conn.Close()
	waitForClients(t, s, 0)
}
