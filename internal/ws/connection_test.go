package ws

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliver_TimesOutOnStalledPeer(t *testing.T) {
	// A pipe with no reader models a client whose TCP buffer is full.
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Connection{
		ID:           "conn-1",
		Conn:         server,
		WriteTimeout: 50 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Deliver([]byte(`{"type":"match_found"}`))
	}()

	select {
	case err := <-done:
		require.Error(t, err, "write to a stalled peer must fail, not succeed")
		var netErr net.Error
		if assert.ErrorAs(t, err, &netErr) {
			assert.True(t, netErr.Timeout(), "expected a deadline error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked past the write deadline; a stalled client would freeze its caller")
	}
}

func TestDeliver_NoTimeoutConfiguredStillWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Drain whatever the writer produces.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &Connection{ID: "conn-2", Conn: server}
	require.NoError(t, c.Deliver([]byte(`{"type":"pong"}`)))
}

func TestWritePing_TimesOutOnStalledPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Connection{
		ID:           "conn-3",
		Conn:         server,
		WriteTimeout: 50 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() {
		done <- c.WritePing()
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WritePing blocked past the write deadline")
	}
}
