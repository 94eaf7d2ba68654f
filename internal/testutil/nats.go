package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer creates a NATS server on a random local port
func RunServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      true,
		StoreDir:       storeDir,
	}

	return server.NewServer(opts)
}

// StartNATS starts a NATS server with JetStream enabled and connects to it
func StartNATS(t *testing.T) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()

	s, err := RunServer(t.TempDir())
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
	})

	return nc, js
}

// CollectMessages subscribes to subject and returns a function reporting what arrived so far
func CollectMessages(t *testing.T, nc *nats.Conn, subject string) func() [][]byte {
	t.Helper()

	msgCh := make(chan []byte, 256)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		msgCh <- msg.Data
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { sub.Unsubscribe() })

	var received [][]byte
	return func() [][]byte {
		for {
			select {
			case data := <-msgCh:
				received = append(received, data)
			default:
				return received
			}
		}
	}
}

// WaitFor polls cond until it holds or the timeout elapses
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", fmt.Sprintf(format, args...))
}
