package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nekozawa/commchat/server/api/rest"
	"github.com/nekozawa/commchat/server/audit"
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
	"gorm.io/gorm"
)

const testAdminKey = "test-admin-key"

type env struct {
	r       *gin.Engine
	db      *gorm.DB
	hub     *live.Hub
	chatSvc *chat.Service
	social  *social.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}
	chatCfg := config.ChatConfig{PageLimitDefault: 50, PageLimitMax: 200, SinceLimit: 100, HistoryReplay: 50}

	sink, err := imagesink.NewLocal(config.ImageConfig{
		LocalDir:   t.TempDir(),
		PublicBase: "/uploads",
	}, logger)
	require.NoError(t, err)

	soc := social.New(db, logger)
	chatSvc := chat.New(db, c, sink, soc, chatCfg, logger)
	hub := live.NewHub(live.NewRegistry(logger), ps, logger)
	aud := audit.New(db, logger)
	t.Cleanup(func() { aud.Stop(context.Background()) })
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	respond := rest.NewResponder(true, logger)
	authH := rest.NewAuthHandler(db, c, sec, respond)
	friendsH := rest.NewFriendsHandler(soc, aud, respond)
	messagesH := rest.NewMessagesHandler(chatSvc, hub, aud, respond)
	adminH := rest.NewAdminHandler(hub, sched, aud, logger)

	r := gin.New()
	r.Use(mw.BodyLimit(chat.MaxImageBytes + 64<<10))
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := r.Group("/api")
	api.POST("/auth/register", authH.Register)
	api.POST("/auth/login", authH.Login)
	api.POST("/auth/logout", mw.Auth(sec, c), authH.Logout)

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

	adminG := api.Group("/admin", rest.AdminAuth(testAdminKey))
	adminG.GET("/metrics", adminH.Metrics)
	adminG.GET("/online", adminH.ListOnline)
	adminG.POST("/kick/:id", adminH.Kick)

	return &env{r: r, db: db, hub: hub, chatSvc: chatSvc, social: soc}
}

type account struct {
	ID    string
	Name  string
	Token string
}

// register creates a user through the public endpoint and returns id + token.
func (e *env) register(t *testing.T, name, email string) account {
	t.Helper()
	w := e.postJSON(t, "", "/api/auth/register", map[string]string{
		"fullName": name,
		"email":    email,
		"password": "secret123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return account{ID: resp.User.ID, Name: name, Token: resp.Token}
}

func (e *env) do(t *testing.T, token, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func (e *env) postJSON(t *testing.T, token, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, token, http.MethodPost, path, bytes.NewBuffer(data), "application/json")
}

func (e *env) putJSON(t *testing.T, token, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, token, http.MethodPut, path, bytes.NewBuffer(data), "application/json")
}

func (e *env) get(t *testing.T, token, path string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, token, http.MethodGet, path, nil, "")
}

type imagePart struct {
	name string
	mime string
	data []byte
}

// postMultipart submits a multipart form the way the message endpoints expect.
func (e *env) postMultipart(t *testing.T, token, path string, fields map[string]string, img *imagePart) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mp.WriteField(k, v))
	}
	if img != nil {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="image"; filename=%q`, img.name))
		hdr.Set("Content-Type", img.mime)
		part, err := mp.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(img.data)
		require.NoError(t, err)
	}
	require.NoError(t, mp.Close())
	return e.do(t, token, http.MethodPost, path, &buf, mp.FormDataContentType())
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}
