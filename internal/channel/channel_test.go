package channel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavehub/internal/apps"
	"wavehub/internal/auth"
	"wavehub/internal/connection"
	"wavehub/internal/protocol"
	"wavehub/pkg/logging"
	"wavehub/pkg/testutil"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"chat":                  {Type: "public"},
		"private-room":          {Type: "private", RequiresAuth: true},
		"presence-room":         {Type: "presence", RequiresAuth: true, Presence: true},
		"cache-weather":         {Type: "cache", Cached: true},
		"cache":                 {Type: "cache", Cached: true},
		"private-cache-room":    {Type: "private-cache", RequiresAuth: true, Cached: true},
		"presence-cache-room":   {Type: "presence-cache", RequiresAuth: true, Cached: true, Presence: true},
		"cachemissingseparator": {Type: "public"},
	}
	for name, want := range cases {
		assert.Equal(t, want, Classify(name), name)
	}
}

func signedAuth(app *apps.App, conn *connection.Conn, channel, channelData string) string {
	return app.Key + ":" + auth.ChannelSignature(app.Secret, conn.ID(), channel, channelData)
}

func waitFrames(t *testing.T, sock *testutil.FakeSocket, n int) []protocol.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(sock.Frames()) >= n }, time.Second, 5*time.Millisecond)
	return sock.Frames()
}

func TestPublicSubscribeNeedsNoAuth(t *testing.T) {
	app := testutil.App()
	conn, _ := testutil.Conn(app)
	ch := New("chat", app, logging.NewLogger())

	res, err := ch.Subscribe(conn, "", "")
	require.NoError(t, err)
	assert.False(t, res.UserWasNew)
	assert.Equal(t, 1, ch.SubscriptionCount())
	assert.Equal(t, "{}", ch.Data())
}

func TestPrivateSubscribeVerifiesSignature(t *testing.T) {
	app := testutil.App()
	conn, _ := testutil.Conn(app)
	ch := New("private-room", app, logging.NewLogger())

	_, err := ch.Subscribe(conn, app.Key+":deadbeef", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, ch.SubscriptionCount())

	_, err = ch.Subscribe(conn, signedAuth(app, conn, "private-room", ""), "")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.SubscriptionCount())
}

func TestPresenceSubscribe(t *testing.T) {
	app := testutil.App()
	ch := New("presence-room", app, logging.NewLogger())

	a, _ := testutil.Conn(app)
	dataA := `{"user_id":"u1","user_info":{"name":"Alice"}}`
	res, err := ch.Subscribe(a, signedAuth(app, a, "presence-room", dataA), dataA)
	require.NoError(t, err)
	assert.True(t, res.UserWasNew)
	assert.Equal(t, "u1", res.UserID)

	// second connection of the same user is not a new member
	a2, _ := testutil.Conn(app)
	res, err = ch.Subscribe(a2, signedAuth(app, a2, "presence-room", dataA), dataA)
	require.NoError(t, err)
	assert.False(t, res.UserWasNew)

	assert.Equal(t, 2, ch.SubscriptionCount())
	assert.Equal(t, 1, ch.UserCount())

	var view struct {
		Presence struct {
			Count int                        `json:"count"`
			IDs   []string                   `json:"ids"`
			Hash  map[string]json.RawMessage `json:"hash"`
		} `json:"presence"`
	}
	require.NoError(t, json.Unmarshal([]byte(ch.Data()), &view))
	assert.Equal(t, 1, view.Presence.Count)
	assert.Equal(t, []string{"u1"}, view.Presence.IDs)
	assert.JSONEq(t, `{"name":"Alice"}`, string(view.Presence.Hash["u1"]))
}

func TestPresenceSubscribeRejectsBadChannelData(t *testing.T) {
	app := testutil.App()
	ch := New("presence-room", app, logging.NewLogger())
	conn, _ := testutil.Conn(app)

	for _, data := range []string{"", "not json", `{"user_info":{}}`} {
		authStr := signedAuth(app, conn, "presence-room", data)
		_, err := ch.Subscribe(conn, authStr, data)
		assert.ErrorIs(t, err, ErrInvalidData, "channel_data=%q", data)
	}
}

func TestPresenceUnsubscribeEmitsMemberRemovedOnce(t *testing.T) {
	app := testutil.App()
	ch := New("presence-room", app, logging.NewLogger())

	a, sockA := testutil.Conn(app)
	b, _ := testutil.Conn(app)
	b2, _ := testutil.Conn(app)

	dataA := `{"user_id":"u1"}`
	dataB := `{"user_id":"u2"}`
	_, err := ch.Subscribe(a, signedAuth(app, a, "presence-room", dataA), dataA)
	require.NoError(t, err)
	_, err = ch.Subscribe(b, signedAuth(app, b, "presence-room", dataB), dataB)
	require.NoError(t, err)
	_, err = ch.Subscribe(b2, signedAuth(app, b2, "presence-room", dataB), dataB)
	require.NoError(t, err)

	// u2 still has a live connection; no member_removed yet
	empty := ch.Unsubscribe(b)
	assert.False(t, empty)
	assert.Empty(t, sockA.FramesNamed(protocol.EventMemberRemoved))

	empty = ch.Unsubscribe(b2)
	assert.False(t, empty)
	frames := waitFrames(t, sockA, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.EventMemberRemoved, frames[0].Event)
	assert.Equal(t, "presence-room", frames[0].Channel)
	assert.JSONEq(t, `{"user_id":"u2"}`, frames[0].Data)

	// repeated unsubscribe is a no-op
	assert.False(t, ch.Unsubscribe(b2))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sockA.FramesNamed(protocol.EventMemberRemoved), 1)
}

func TestBroadcastExcludesSender(t *testing.T) {
	app := testutil.App()
	ch := New("chat", app, logging.NewLogger())

	a, sockA := testutil.Conn(app)
	b, sockB := testutil.Conn(app)
	_, err := ch.Subscribe(a, "", "")
	require.NoError(t, err)
	_, err = ch.Subscribe(b, "", "")
	require.NoError(t, err)

	ch.Broadcast("msg", `{"text":"hi"}`, a)

	frames := waitFrames(t, sockB, 1)
	assert.Equal(t, "msg", frames[0].Event)
	assert.Equal(t, "chat", frames[0].Channel)
	assert.Equal(t, `{"text":"hi"}`, frames[0].Data)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sockA.Frames(), "sender must not receive its own event")
}

func TestCacheChannelRetainsExternalBroadcastsOnly(t *testing.T) {
	app := testutil.App()
	ch := New("cache-weather", app, logging.NewLogger())

	assert.False(t, ch.HasCachedPayload())

	ch.Broadcast("update", `{"temp":21}`, nil)
	cached, ok := ch.CachedPayload()
	require.True(t, ok)
	assert.JSONEq(t, `{"event":"update","channel":"cache-weather","data":"{\"temp\":21}"}`, string(cached))

	// internal broadcasts never overwrite the cache
	ch.BroadcastInternally(protocol.EventMemberRemoved, `{"user_id":"u1"}`, nil)
	cached, ok = ch.CachedPayload()
	require.True(t, ok)
	assert.JSONEq(t, `{"event":"update","channel":"cache-weather","data":"{\"temp\":21}"}`, string(cached))

	ch.Broadcast("update", `{"temp":25}`, nil)
	cached, _ = ch.CachedPayload()
	assert.Contains(t, string(cached), "25")
}

func TestPresenceAnonymousSubscriptionYieldsEmptyView(t *testing.T) {
	app := testutil.App()
	ch := New("presence-room", app, logging.NewLogger())
	conn, _ := testutil.Conn(app)

	// force an anonymous record past Subscribe validation
	ch.store.Add(&Subscription{Conn: conn})

	assert.JSONEq(t, `{"presence":{"count":0,"ids":[],"hash":{}}}`, ch.Data())
}
