package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/nekozawa/commchat/server/api/rest"
	apows "github.com/nekozawa/commchat/server/api/ws"
	"github.com/nekozawa/commchat/server/audit"
	"github.com/nekozawa/commchat/server/cache"
	"github.com/nekozawa/commchat/server/chat"
	"github.com/nekozawa/commchat/server/config"
	"github.com/nekozawa/commchat/server/imagesink"
	"github.com/nekozawa/commchat/server/live"
	mw "github.com/nekozawa/commchat/server/middleware"
	"github.com/nekozawa/commchat/server/scheduler"
	"github.com/nekozawa/commchat/server/social"
	"github.com/nekozawa/commchat/server/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TestServer wraps a real HTTP server with the full chat stack wired together.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	Hub    *live.Hub
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
	Sec    config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
	}
	chatCfg := config.ChatConfig{
		PageLimitDefault: 50,
		PageLimitMax:     200,
		SinceLimit:       100,
		HistoryReplay:    50,
	}

	sink, err := imagesink.NewLocal(config.ImageConfig{
		LocalDir:   t.TempDir(),
		PublicBase: "/uploads",
	}, logger)
	require.NoError(t, err)

	// ---- Services ----
	socialSvc := social.New(db, logger)
	chatSvc := chat.New(db, c, sink, socialSvc, chatCfg, logger)
	auditSvc := audit.New(db, logger)
	t.Cleanup(func() { auditSvc.Stop(nil) })
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	// ---- Live fabric ----
	hub := live.NewHub(live.NewRegistry(logger), pubsub, logger)

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	wsH := apows.NewHandler(c, sec, "", hub, chatSvc, chatCfg, wsRouter, logger)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.BodyLimit(chat.MaxImageBytes + 64<<10))
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes (mirrors main.go) ----
	respond := apirest.NewResponder(true, logger)
	authH := apirest.NewAuthHandler(db, c, sec, respond)
	friendsH := apirest.NewFriendsHandler(socialSvc, auditSvc, respond)
	messagesH := apirest.NewMessagesHandler(chatSvc, hub, auditSvc, respond)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)

		authed := api.Group("", mw.Auth(sec, c))
		authed.POST("/friends/send", friendsH.Send)
		authed.GET("/friends/requests", friendsH.ListIncoming)
		authed.GET("/friends/getbyid", friendsH.GetByID)
		authed.PUT("/friends/accept", friendsH.Accept)
		authed.PUT("/friends/decline", friendsH.Decline)
		authed.POST("/friends/remove", friendsH.Remove)
		authed.POST("/friends/block", friendsH.Block)
		authed.GET("/friends/list", friendsH.ListFriends)
		authed.GET("/friends/blocked", friendsH.ListBlocked)
		authed.POST("/messages/community", messagesH.PostCommunity)
		authed.GET("/messages/community", messagesH.ListCommunity)
		authed.GET("/messages/community/recent", messagesH.ListCommunityRecent)
		authed.DELETE("/messages/community/:id", messagesH.DeleteCommunity)
		authed.POST("/messages/private", messagesH.PostPrivate)
		authed.GET("/messages/private", messagesH.ListPrivate)
	}

	// ---- WebSocket ----
	r.GET("/ws", wsH.ServeWS)

	// ---- Start server ----
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	return &TestServer{
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		Hub:    hub,
		Server: server,
		URL:    url,
		WSURL:  wsURL,
		Sec:    sec,
	}
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostForm sends a multipart form POST the way the message endpoints expect.
func (ts *TestServer) PostForm(t *testing.T, path string, fields map[string]string, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mp := newMultipart(t, &buf, fields)
	req, err := http.NewRequest("POST", ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mp)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func newMultipart(t *testing.T, buf *bytes.Buffer, fields map[string]string) string {
	t.Helper()
	mp := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mp.WriteField(k, v))
	}
	require.NoError(t, mp.Close())
	return mp.FormDataContentType()
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Put sends a PUT request with JSON body and optional Bearer token.
func (ts *TestServer) Put(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("PUT", ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("DELETE", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Account is a registered user with its issued token.
type Account struct {
	ID    string
	Name  string
	Token string
}

// Register creates a user through the public endpoint.
func (ts *TestServer) Register(t *testing.T, name, email string) Account {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/register", map[string]string{
		"fullName": name,
		"email":    email,
		"password": "secret123",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	ReadJSON(t, resp, &result)
	return Account{ID: result.User.ID, Name: name, Token: result.Token}
}

// Befriend runs the request/accept flow between two accounts.
func (ts *TestServer) Befriend(t *testing.T, a, b Account) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/friends/send", map[string]string{
		"senderId": a.ID, "receiverId": b.ID, "message": "hi",
	}, a.Token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent struct {
		Request struct {
			ID string `json:"id"`
		} `json:"request"`
	}
	ReadJSON(t, resp, &sent)

	resp = ts.Put(t, "/api/friends/accept", map[string]string{
		"requestId": sent.Request.ID, "userId": b.ID,
	}, b.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// Uses a background readLoop so a slow assertion never corrupts the
// connection with read deadlines.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	return wc
}

// DialWS attempts a WS connection and returns the raw dial error.
func (ts *TestServer) DialWS(token string) (*websocket.Conn, error) {
	url := ts.WSURL + "?token=" + token
	conn, resp, err := (&websocket.Dialer{}).Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON message packet to the WebSocket.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	pkt := map[string]interface{}{
		"seq":     seq,
		"type":    msgType,
		"payload": json.RawMessage(payloadJSON),
	}
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one message with a timeout, returning an error instead of
// failing the test.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads messages until one with the given type is found (within timeout).
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pkt, err := wc.RecvAny(time.Until(deadline))
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt["type"] == msgType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return nil
}

// ExpectSilence asserts that no message of the given type arrives within the window.
func (wc *WSClient) ExpectSilence(msgType string, window time.Duration) {
	wc.t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		pkt, err := wc.RecvAny(time.Until(deadline))
		if err != nil {
			return // timeout is the expected outcome
		}
		if pkt["type"] == msgType {
			wc.t.Fatalf("unexpected message type %q: %v", msgType, pkt)
		}
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// PayloadMap extracts the payload from a received WS packet as a map.
func PayloadMap(t *testing.T, pkt map[string]interface{}) map[string]interface{} {
	t.Helper()
	p := pkt["payload"]
	if p == nil {
		return map[string]interface{}{}
	}
	switch v := p.(type) {
	case map[string]interface{}:
		return v
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
}

// --- Composite helper ---

// ConnectAndJoin connects a WS client and enters the community room,
// consuming the history replay.
func (ts *TestServer) ConnectAndJoin(t *testing.T, acc Account) *WSClient {
	t.Helper()
	ws := ts.ConnectWS(t, acc.Token)
	ws.Send("joinCommunityChat", map[string]interface{}{})
	ws.RecvType("communityHistory", 5*time.Second)
	return ws
}

// UniqueID returns a short unique string suitable for email prefixes.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
