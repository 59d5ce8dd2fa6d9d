package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthFlow_RegisterLoginLogout(t *testing.T) {
	ts := NewTestServer(t)

	acc := ts.Register(t, "Alice", "alice@example.com")
	require.NotEmpty(t, acc.Token)

	// Login issues a fresh token.
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"email": "alice@example.com", "password": "secret123",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
	}
	ReadJSON(t, resp, &login)
	assert.NotEqual(t, acc.Token, login.Token)

	// Logout revokes the presented token.
	resp = ts.PostJSON(t, "/api/auth/logout", nil, acc.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, "/api/friends/list?userId="+acc.ID, acc.Token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestWSConnect_RejectsBadToken(t *testing.T) {
	ts := NewTestServer(t)

	conn, err := ts.DialWS("not-a-jwt")
	if conn != nil {
		conn.Close()
	}
	assert.Error(t, err)
}

func TestWSConnect_RejectsRevokedSession(t *testing.T) {
	ts := NewTestServer(t)
	acc := ts.Register(t, "Alice", "alice@example.com")

	resp := ts.PostJSON(t, "/api/auth/logout", nil, acc.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	conn, err := ts.DialWS(acc.Token)
	if conn != nil {
		conn.Close()
	}
	assert.Error(t, err)
}

func TestWSConnect_ValidToken(t *testing.T) {
	ts := NewTestServer(t)
	acc := ts.Register(t, "Alice", "alice@example.com")

	ws := ts.ConnectWS(t, acc.Token)
	defer ws.Close()

	// Heartbeat round-trips.
	ws.Send("ping", map[string]interface{}{"client_ts": 12345})
	pkt := ws.RecvType("pong", 5*time.Second)
	payload := PayloadMap(t, pkt)
	assert.Equal(t, float64(12345), payload["client_ts"])
	assert.NotZero(t, payload["server_ts"])
}
