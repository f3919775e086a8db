package sink

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(ServerConfig{Provider: &mockProvider{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "220 localhost") {
		t.Errorf("greeting: got %q", greeting)
	}

	// An idle session must not hold up shutdown.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	line, _ := reader.ReadString('\n')
	if !strings.HasPrefix(line, "421") {
		t.Errorf("expected 421 on shutdown, got %q", line)
	}
}

func TestServer_ListenAndServeBadAddr(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{ListenAddr: "256.0.0.1:bad", Provider: &mockProvider{}})
	if err := srv.ListenAndServe(context.Background()); err == nil {
		t.Error("expected listen error")
	}
}
