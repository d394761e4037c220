package testutil

import (
	"time"

	"wavehub/internal/apps"
	"wavehub/internal/connection"
	"wavehub/pkg/logging"
)

// App returns a baseline application for tests.
func App() *apps.App {
	return &apps.App{
		ID:              "app1",
		Key:             "test-key",
		Secret:          "test-secret",
		PingInterval:    30 * time.Second,
		ActivityTimeout: 30 * time.Second,
		MaxMessageSize:  10 * 1024,
	}
}

// Conn builds a live connection over a fake socket with its write pump
// running, so frames sent by the broker land in the socket's capture.
func Conn(app *apps.App) (*connection.Conn, *FakeSocket) {
	sock := NewFakeSocket()
	c := connection.New(app, "https://client.example", sock, logging.NewLogger())
	go c.WritePump()
	return c, sock
}
