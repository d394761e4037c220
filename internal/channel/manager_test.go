package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavehub/internal/protocol"
	"wavehub/pkg/logging"
	"wavehub/pkg/testutil"
)

func TestRegistrySubscribeCreatesChannel(t *testing.T) {
	app := testutil.App()
	var created, removed []string
	reg := NewRegistry(app, logging.NewLogger(), Hooks{
		Created: func(ch *Channel) { created = append(created, ch.Name()) },
		Removed: func(ch *Channel) { removed = append(removed, ch.Name()) },
	})
	conn, _ := testutil.Conn(app)

	ch, _, err := reg.Subscribe(conn, protocol.SubscribePayload{Channel: "chat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"chat"}, created)

	found, ok := reg.Find("chat")
	require.True(t, ok)
	assert.Same(t, ch, found)

	reg.Unsubscribe(conn, "chat")
	_, ok = reg.Find("chat")
	assert.False(t, ok, "empty channel must leave the registry")
	assert.Equal(t, []string{"chat"}, removed)
}

func TestRegistryFailedSubscribeLeavesNoChannel(t *testing.T) {
	app := testutil.App()
	reg := NewRegistry(app, logging.NewLogger(), Hooks{})
	conn, _ := testutil.Conn(app)

	_, _, err := reg.Subscribe(conn, protocol.SubscribePayload{
		Channel: "private-room",
		Auth:    app.Key + ":deadbeef",
	})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, ok := reg.Find("private-room")
	assert.False(t, ok)
}

func TestRegistryUnsubscribeAll(t *testing.T) {
	app := testutil.App()
	reg := NewRegistry(app, logging.NewLogger(), Hooks{})
	conn, _ := testutil.Conn(app)
	other, _ := testutil.Conn(app)

	for _, name := range []string{"chat", "news"} {
		_, _, err := reg.Subscribe(conn, protocol.SubscribePayload{Channel: name})
		require.NoError(t, err)
	}
	_, _, err := reg.Subscribe(other, protocol.SubscribePayload{Channel: "chat"})
	require.NoError(t, err)

	reg.UnsubscribeAll(conn)

	ch, ok := reg.Find("chat")
	require.True(t, ok, "chat still has another subscriber")
	assert.Equal(t, 1, ch.SubscriptionCount())
	_, ok = reg.Find("news")
	assert.False(t, ok)
}

func TestRegistryUnknownChannelUnsubscribeIsNoop(t *testing.T) {
	app := testutil.App()
	reg := NewRegistry(app, logging.NewLogger(), Hooks{})
	conn, _ := testutil.Conn(app)

	reg.Unsubscribe(conn, "missing")
	assert.Empty(t, reg.All())
}

func TestManagerOneRegistryPerApp(t *testing.T) {
	m := NewManager(logging.NewLogger(), Hooks{})
	app := testutil.App()

	a := m.App(app)
	b := m.App(app)
	assert.Same(t, a, b)
}
