package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhashring/dhash/wire"
)

func startServer(t *testing.T, handlers map[string]Handler) (*Server, int) {
	t.Helper()
	s := NewServer("127.0.0.1", 0, handlers)
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s, s.Port()
}

func TestRequestResponse(t *testing.T) {
	handlers := map[string]Handler{
		"ECHO": func(req *wire.Message) (*wire.Message, error) {
			return &wire.Message{Key: req.Key}, nil
		},
	}
	_, port := startServer(t, handlers)

	client := NewClient(2 * time.Second)
	defer client.Close()

	resp, rtt, err := client.Send("127.0.0.1", port, &wire.Message{Command: "ECHO", Key: "4b"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "4b", resp.Key)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestHandlerErrorBecomesFailureResponse(t *testing.T) {
	handlers := map[string]Handler{
		"FAIL": func(req *wire.Message) (*wire.Message, error) {
			return nil, errors.New("key does not exist")
		},
	}
	_, port := startServer(t, handlers)

	client := NewClient(2 * time.Second)
	defer client.Close()

	resp, _, err := client.Send("127.0.0.1", port, &wire.Message{Command: "FAIL"})
	require.NoError(t, err, "a handler failure is still a transport success")
	assert.False(t, resp.Success)
	assert.Equal(t, "key does not exist", resp.Errors)
}

func TestUnknownCommand(t *testing.T) {
	_, port := startServer(t, map[string]Handler{})

	client := NewClient(2 * time.Second)
	defer client.Close()

	resp, _, err := client.Send("127.0.0.1", port, &wire.Message{Command: "NO_SUCH"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Errors, "invalid command")
}

// A connection carries sequential request/response pairs; the client
// pools and reuses it.
func TestConnectionReuse(t *testing.T) {
	handlers := map[string]Handler{
		"PING": func(req *wire.Message) (*wire.Message, error) {
			return &wire.Message{}, nil
		},
	}
	_, port := startServer(t, handlers)

	client := NewClient(2 * time.Second)
	defer client.Close()

	for i := 0; i < 5; i++ {
		resp, _, err := client.Send("127.0.0.1", port, &wire.Message{Command: "PING"})
		require.NoError(t, err)
		assert.True(t, resp.Success)
	}
}

func TestUnreachablePeer(t *testing.T) {
	client := NewClient(200 * time.Millisecond)
	defer client.Close()

	// Grab a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, _, err = client.Send("127.0.0.1", port, &wire.Message{Command: "PING"})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestServerCloseStopsAccepting(t *testing.T) {
	s, port := startServer(t, map[string]Handler{})
	s.Close()

	client := NewClient(200 * time.Millisecond)
	defer client.Close()

	// Give the accept loop a moment to wind down.
	time.Sleep(50 * time.Millisecond)
	_, _, err := client.Send("127.0.0.1", port, &wire.Message{Command: "PING"})
	assert.ErrorIs(t, err, ErrTransport)
}
