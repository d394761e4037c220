package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavehub/internal/apps"
	"wavehub/internal/auth"
	"wavehub/internal/bus"
	"wavehub/internal/channel"
	"wavehub/internal/connection"
	"wavehub/internal/dispatch"
	"wavehub/internal/events"
	"wavehub/internal/protocol"
	"wavehub/pkg/config"
	"wavehub/pkg/logging"
	"wavehub/pkg/testutil"
)

type fakeTerminator struct {
	published []string
}

func (f *fakeTerminator) PublishTerminateUser(appID, userID string) {
	f.published = append(f.published, appID+"/"+userID)
}

func newTestBroker(t *testing.T) (*Broker, *fakeTerminator) {
	t.Helper()
	logger := logging.NewLogger()
	appReg, err := apps.NewRegistry([]config.AppConfig{{
		AppID:          "app1",
		Key:            "test-key",
		Secret:         "test-secret",
		MaxConnections: 0,
	}})
	require.NoError(t, err)

	conns := connection.NewRegistry()
	channels := channel.NewManager(logger, channel.Hooks{})
	dispatcher := dispatch.New(channels, conns, nil, logger)
	eventHandler := events.NewHandler(channels, dispatcher, nil, logger)
	term := &fakeTerminator{}
	return New(appReg, conns, channels, dispatcher, eventHandler, term, nil, logger), term
}

func wsServer(b *Broker) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appKey := strings.TrimPrefix(r.URL.Path, "/app/")
		b.ServeWS(w, r, appKey)
	}))
}

func dial(t *testing.T, srv *httptest.Server, appKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/" + appKey
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestServeWSHandshake(t *testing.T) {
	b, _ := newTestBroker(t)
	srv := wsServer(b)
	defer srv.Close()

	ws := dial(t, srv, "test-key")
	defer ws.Close()

	f := readFrame(t, ws)
	assert.Equal(t, protocol.EventConnectionEstablished, f.Event)

	var data protocol.ConnectionEstablishedData
	require.NoError(t, json.Unmarshal([]byte(f.Data), &data))
	assert.Regexp(t, `^\d+\.\d+$`, data.SocketID)
	assert.Equal(t, 30, data.ActivityTimeout)
	assert.Equal(t, 1, b.Conns.CountApp("app1"))
}

func TestServeWSUnknownAppKey(t *testing.T) {
	b, _ := newTestBroker(t)
	srv := wsServer(b)
	defer srv.Close()

	ws := dial(t, srv, "wrong-key")
	defer ws.Close()

	f := readFrame(t, ws)
	assert.Equal(t, protocol.EventError, f.Event)
	assert.Contains(t, f.Data, "4001")
}

func TestServeWSDisallowedOrigin(t *testing.T) {
	b, _ := newTestBroker(t)
	app, _ := b.Apps.ByKey("test-key")
	app.AllowedOrigins = []string{"https://allowed.example"}
	srv := wsServer(b)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/test-key"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer ws.Close()

	f := readFrame(t, ws)
	assert.Contains(t, f.Data, "4003")
}

func TestServeWSConnectionLimit(t *testing.T) {
	b, _ := newTestBroker(t)
	app, _ := b.Apps.ByKey("test-key")
	app.MaxConnections = 1
	srv := wsServer(b)
	defer srv.Close()

	first := dial(t, srv, "test-key")
	defer first.Close()
	readFrame(t, first)

	second := dial(t, srv, "test-key")
	defer second.Close()
	f := readFrame(t, second)
	assert.Contains(t, f.Data, "4004")
}

func TestSubscribeAndBroadcastOverRealSocket(t *testing.T) {
	b, _ := newTestBroker(t)
	srv := wsServer(b)
	defer srv.Close()

	ws := dial(t, srv, "test-key")
	defer ws.Close()
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"pusher:subscribe","data":{"channel":"chat"}}`)))
	f := readFrame(t, ws)
	assert.Equal(t, protocol.EventSubscriptionSucceeded, f.Event)

	app, _ := b.Apps.ByID("app1")
	require.Eventually(t, func() bool {
		_, ok := b.Channels.App(app).Find("chat")
		return ok
	}, time.Second, 5*time.Millisecond)

	b.Dispatcher.Dispatch(app, dispatch.Event{Name: "msg", Channel: "chat", Data: `{"text":"hi"}`})
	f = readFrame(t, ws)
	assert.Equal(t, "msg", f.Event)
	assert.Equal(t, `{"text":"hi"}`, f.Data)
}

func TestTeardownReleasesEverything(t *testing.T) {
	b, _ := newTestBroker(t)
	app, _ := b.Apps.ByID("app1")
	conn, sock := testutil.Conn(app)
	require.True(t, b.Conns.Add(conn))
	_, _, err := b.Channels.App(app).Subscribe(conn, protocol.SubscribePayload{Channel: "chat"})
	require.NoError(t, err)

	b.Teardown(conn)
	b.Teardown(conn) // idempotent

	assert.Equal(t, 0, b.Conns.CountApp("app1"))
	_, ok := b.Channels.App(app).Find("chat")
	assert.False(t, ok)
	assert.True(t, sock.Closed())
}

func TestTerminateUser(t *testing.T) {
	b, term := newTestBroker(t)
	app, _ := b.Apps.ByID("app1")

	join := func(userID string) (*connection.Conn, *testutil.FakeSocket) {
		conn, sock := testutil.Conn(app)
		require.True(t, b.Conns.Add(conn))
		data := `{"user_id":"` + userID + `"}`
		sig := app.Key + ":" + auth.ChannelSignature(app.Secret, conn.ID(), "presence-room", data)
		_, _, err := b.Channels.App(app).Subscribe(conn, protocol.SubscribePayload{
			Channel: "presence-room", Auth: sig, ChannelData: data,
		})
		require.NoError(t, err)
		return conn, sock
	}

	_, sockA := join("u1")
	_, sockB := join("u2")

	b.TerminateUser(app, "u1")

	assert.True(t, sockA.Closed())
	assert.False(t, sockB.Closed())
	assert.Equal(t, 1, b.Conns.CountApp("app1"))
	assert.Equal(t, []string{"app1/u1"}, term.published)
}

func TestHandleEventUnknownAppDropped(t *testing.T) {
	b, _ := newTestBroker(t)
	b.HandleEvent("ghost", dispatch.Event{Name: "msg", Channel: "chat", Data: "{}"})
}

func TestLocalMetrics(t *testing.T) {
	b, _ := newTestBroker(t)
	app, _ := b.Apps.ByID("app1")
	conn, _ := testutil.Conn(app)
	require.True(t, b.Conns.Add(conn))
	_, _, err := b.Channels.App(app).Subscribe(conn, protocol.SubscribePayload{Channel: "chat"})
	require.NoError(t, err)

	data := b.LocalMetrics(bus.MetricsQuery{AppID: "app1"})
	assert.Equal(t, 1, data.Connections)
	assert.Nil(t, data.Channels)

	data = b.LocalMetrics(bus.MetricsQuery{AppID: "app1", Channels: []string{"chat", "ghost"}})
	assert.Equal(t, 1, data.Channels["chat"].SubscriptionCount)
	_, ok := data.Channels["ghost"]
	assert.False(t, ok)
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	b, _ := newTestBroker(t)
	app, _ := b.Apps.ByID("app1")
	conn, sock := testutil.Conn(app)
	require.True(t, b.Conns.Add(conn))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Shutdown(ctx)

	frames := sock.FramesNamed(protocol.EventError)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Data, "4200")
	assert.True(t, sock.Closed())
	assert.Equal(t, 0, b.Conns.CountApp("app1"))
}
