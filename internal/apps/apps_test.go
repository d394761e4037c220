package apps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavehub/pkg/config"
)

func TestFromConfigDefaults(t *testing.T) {
	app := FromConfig(config.AppConfig{AppID: "1", Key: "k", Secret: "s"})

	assert.Equal(t, 30*time.Second, app.PingInterval)
	assert.Equal(t, 30*time.Second, app.ActivityTimeout)
	assert.Equal(t, int64(10*1024), app.MaxMessageSize)
	assert.Equal(t, 0, app.MaxConnections)
}

func TestFromConfigOverrides(t *testing.T) {
	app := FromConfig(config.AppConfig{
		AppID:           "1",
		Key:             "k",
		Secret:          "s",
		PingInterval:    10,
		ActivityTimeout: 60,
		MaxMessageSize:  2048,
		MaxConnections:  500,
	})

	assert.Equal(t, 10*time.Second, app.PingInterval)
	assert.Equal(t, 60*time.Second, app.ActivityTimeout)
	assert.Equal(t, int64(2048), app.MaxMessageSize)
	assert.Equal(t, 500, app.MaxConnections)
}

func TestOriginAllowed(t *testing.T) {
	open := &App{}
	assert.True(t, open.OriginAllowed("https://anything.example"))

	wildcard := &App{AllowedOrigins: []string{"*"}}
	assert.True(t, wildcard.OriginAllowed("https://anything.example"))

	restricted := &App{AllowedOrigins: []string{"https://app.example", "https://staging.example"}}
	assert.True(t, restricted.OriginAllowed("https://app.example"))
	assert.False(t, restricted.OriginAllowed("https://evil.example"))
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry([]config.AppConfig{
		{AppID: "1", Key: "key-one", Secret: "s1"},
		{AppID: "2", Key: "key-two", Secret: "s2"},
	})
	require.NoError(t, err)

	app, ok := reg.ByID("2")
	require.True(t, ok)
	assert.Equal(t, "key-two", app.Key)

	app, ok = reg.ByKey("key-one")
	require.True(t, ok)
	assert.Equal(t, "1", app.ID)

	_, ok = reg.ByKey("missing")
	assert.False(t, ok)

	assert.Len(t, reg.All(), 2)
}

func TestRegistryDuplicates(t *testing.T) {
	_, err := NewRegistry([]config.AppConfig{
		{AppID: "1", Key: "key-one", Secret: "s1"},
		{AppID: "1", Key: "key-two", Secret: "s2"},
	})
	require.Error(t, err)

	_, err = NewRegistry([]config.AppConfig{
		{AppID: "1", Key: "key-one", Secret: "s1"},
		{AppID: "2", Key: "key-one", Secret: "s2"},
	})
	require.Error(t, err)
}

func TestRegistryRejectsIncomplete(t *testing.T) {
	_, err := NewRegistry([]config.AppConfig{{AppID: "1", Key: "k"}})
	require.Error(t, err)
}
