// Package testutil provides in-memory test doubles for the WebSocket
// transport and helpers for asserting on Pusher frames.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"wavehub/internal/protocol"
)

// ErrSocketClosed is returned by ReadMessage once the fake socket is closed.
var ErrSocketClosed = errors.New("socket closed")

// FakeSocket is an in-memory connection.Socket. Frames written by the
// broker are captured for assertions; inbound frames are injected via
// Inject.
type FakeSocket struct {
	mu       sync.Mutex
	written  [][]byte
	controls int
	closed   bool

	inbound   chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// Inject queues an inbound client frame for ReadMessage.
func (f *FakeSocket) Inject(raw []byte) {
	f.inbound <- raw
}

func (f *FakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-f.inbound:
		return 1, raw, nil
	case <-f.done:
		return 0, nil, ErrSocketClosed
	}
}

func (f *FakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSocketClosed
	}
	f.written = append(f.written, data)
	return nil
}

func (f *FakeSocket) WriteControl(int, []byte, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls++
	return nil
}

func (f *FakeSocket) SetReadLimit(int64)               {}
func (f *FakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *FakeSocket) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

// Closed reports whether the socket has been closed.
func (f *FakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Controls returns the number of control frames written.
func (f *FakeSocket) Controls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controls
}

// Written returns a snapshot of the raw frames written so far.
func (f *FakeSocket) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// Frames decodes every written frame.
func (f *FakeSocket) Frames() []protocol.Frame {
	raws := f.Written()
	out := make([]protocol.Frame, 0, len(raws))
	for _, raw := range raws {
		var fr protocol.Frame
		if json.Unmarshal(raw, &fr) == nil {
			out = append(out, fr)
		}
	}
	return out
}

// FramesNamed filters decoded frames by event name.
func (f *FakeSocket) FramesNamed(event string) []protocol.Frame {
	var out []protocol.Frame
	for _, fr := range f.Frames() {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}
