package rest_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendRequest(t *testing.T, e *env, from, to account) string {
	t.Helper()
	w := e.postJSON(t, from.Token, "/api/friends/send", map[string]string{
		"senderId":   from.ID,
		"receiverId": to.ID,
		"message":    "hi",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeBody(t, w)
	return resp["request"].(map[string]interface{})["id"].(string)
}

func TestFriends_HappyPath(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")

	reqID := sendRequest(t, e, alice, bob)

	// Pending request shows up for Bob with the sender's profile.
	w := e.get(t, bob.Token, "/api/friends/requests?userId="+bob.ID)
	require.Equal(t, http.StatusOK, w.Code)
	requests := decodeBody(t, w)["requests"].([]interface{})
	require.Len(t, requests, 1)
	first := requests[0].(map[string]interface{})
	assert.Equal(t, alice.ID, first["senderId"])
	assert.Equal(t, "Alice", first["senderName"])
	assert.Equal(t, "pending", first["status"])

	// Status between the pair is visible to the receiver.
	w = e.get(t, bob.Token, "/api/friends/getbyid?senderId="+alice.ID+"&userId="+bob.ID)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeBody(t, w)["request"].(map[string]interface{})
	assert.Equal(t, "pending", status["status"])

	w = e.putJSON(t, bob.Token, "/api/friends/accept", map[string]string{
		"requestId": reqID,
		"userId":    bob.ID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decodeBody(t, w)["request"].(map[string]interface{})
	assert.Equal(t, "accepted", accepted["status"])

	// Friendship is mutual.
	for _, acc := range []account{alice, bob} {
		w = e.get(t, acc.Token, "/api/friends/list?userId="+acc.ID)
		require.Equal(t, http.StatusOK, w.Code)
		friends := decodeBody(t, w)["friends"].([]interface{})
		require.Len(t, friends, 1)
	}

	// Re-accepting is a no-op returning the same state.
	w = e.putJSON(t, bob.Token, "/api/friends/accept", map[string]string{
		"requestId": reqID,
		"userId":    bob.ID,
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestFriends_SelfTarget(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")

	w := e.postJSON(t, alice.Token, "/api/friends/send", map[string]string{
		"senderId":   alice.ID,
		"receiverId": alice.ID,
		"message":    "x",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFriends_DuplicatePending(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")

	sendRequest(t, e, alice, bob)
	w := e.postJSON(t, alice.Token, "/api/friends/send", map[string]string{
		"senderId":   alice.ID,
		"receiverId": bob.ID,
		"message":    "again",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFriends_UnknownReceiver(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")

	w := e.postJSON(t, alice.Token, "/api/friends/send", map[string]string{
		"senderId":   alice.ID,
		"receiverId": "no-such-user",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFriends_SessionBinding(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")
	carol := e.register(t, "Carol", "carol@example.com")

	// Acting as someone else in the body is rejected.
	w := e.postJSON(t, carol.Token, "/api/friends/send", map[string]string{
		"senderId":   alice.ID,
		"receiverId": bob.ID,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Reading someone else's incoming requests is rejected too.
	w = e.get(t, carol.Token, "/api/friends/requests?userId="+bob.ID)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Omitting the ID acts as the session user.
	w = e.postJSON(t, carol.Token, "/api/friends/send", map[string]string{
		"receiverId": bob.ID,
	})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestFriends_DeclineThenRetry(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")

	reqID := sendRequest(t, e, alice, bob)
	w := e.putJSON(t, bob.Token, "/api/friends/decline", map[string]string{
		"requestId": reqID,
		"userId":    bob.ID,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Accept after decline fails; a fresh request may follow.
	w = e.putJSON(t, bob.Token, "/api/friends/accept", map[string]string{
		"requestId": reqID,
		"userId":    bob.ID,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	sendRequest(t, e, alice, bob)
}

func TestFriends_AcceptForeignRequest(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")
	carol := e.register(t, "Carol", "carol@example.com")

	reqID := sendRequest(t, e, alice, bob)
	// Carol is not the receiver; for her the request does not exist.
	w := e.putJSON(t, carol.Token, "/api/friends/accept", map[string]string{
		"requestId": reqID,
		"userId":    carol.ID,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFriends_RemoveIsSymmetricAndIdempotent(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")

	reqID := sendRequest(t, e, alice, bob)
	w := e.putJSON(t, bob.Token, "/api/friends/accept", map[string]string{
		"requestId": reqID, "userId": bob.ID,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.postJSON(t, alice.Token, "/api/friends/remove", map[string]string{
		"userId": alice.ID, "friendId": bob.ID,
	})
	require.Equal(t, http.StatusOK, w.Code)

	for _, acc := range []account{alice, bob} {
		w = e.get(t, acc.Token, "/api/friends/list?userId="+acc.ID)
		friends := decodeBody(t, w)["friends"].([]interface{})
		assert.Empty(t, friends)
	}

	// Removing a non-friend lands in the same state.
	w = e.postJSON(t, alice.Token, "/api/friends/remove", map[string]string{
		"userId": alice.ID, "friendId": bob.ID,
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFriends_BlockDropsPendingAndForbidsNew(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")

	sendRequest(t, e, alice, bob)
	w := e.postJSON(t, bob.Token, "/api/friends/block", map[string]string{
		"userId": bob.ID, "blockedUserId": alice.ID,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The pending request is gone.
	w = e.get(t, bob.Token, "/api/friends/requests?userId="+bob.ID)
	requests := decodeBody(t, w)["requests"].([]interface{})
	assert.Empty(t, requests)

	// New requests across the block are forbidden.
	w = e.postJSON(t, alice.Token, "/api/friends/send", map[string]string{
		"senderId": alice.ID, "receiverId": bob.ID,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Blocking again is idempotent.
	w = e.postJSON(t, bob.Token, "/api/friends/block", map[string]string{
		"userId": bob.ID, "blockedUserId": alice.ID,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.get(t, bob.Token, "/api/friends/blocked?userId="+bob.ID)
	blocked := decodeBody(t, w)["blocked"].([]interface{})
	assert.Len(t, blocked, 1)
}

func TestFriends_GetByID_NoneYet(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "Alice", "alice@example.com")
	bob := e.register(t, "Bob", "bob@example.com")

	w := e.get(t, bob.Token, "/api/friends/getbyid?senderId="+alice.ID+"&userId="+bob.ID)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Nil(t, resp["request"])
}
