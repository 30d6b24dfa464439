package storage

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"

	"github.com/worph/meta-stremio/pkg/leader"
)

// fakeRedis is a minimal wire-protocol listener answering +PONG to every
// command, enough for the dial-and-verify and liveness paths without a
// real server. closeFn tears down the listener and every accepted
// connection so in-flight clients see a dead backend.
func fakeRedis(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	var mu sync.Mutex
	var conns []net.Conn

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()

			go func(c net.Conn) {
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if len(line) == 0 || line[0] != '*' {
						continue
					}
					n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
					if err != nil {
						return
					}
					// Each argument is a length line plus a payload line.
					for i := 0; i < n*2; i++ {
						if _, err := r.ReadString('\n'); err != nil {
							return
						}
					}
					if _, err := c.Write([]byte("+PONG\r\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}
}

func TestDialRedisURL(t *testing.T) {
	client, err := dial("redis://10.0.1.50:6379/2")
	if err != nil {
		t.Fatalf("Failed to dial URL form: %v", err)
	}
	defer client.Close()

	opts := client.Options()
	if opts.Addr != "10.0.1.50:6379" {
		t.Errorf("Expected addr 10.0.1.50:6379, got %s", opts.Addr)
	}
	if opts.DB != 2 {
		t.Errorf("Expected database 2, got %d", opts.DB)
	}
}

func TestDialBareHostPort(t *testing.T) {
	client, err := dial("10.0.1.50:6379")
	if err != nil {
		t.Fatalf("Failed to dial host:port form: %v", err)
	}
	defer client.Close()

	if got := client.Options().Addr; got != "10.0.1.50:6379" {
		t.Errorf("Expected addr 10.0.1.50:6379, got %s", got)
	}
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	if _, err := dial("http://10.0.1.50:6379"); err == nil {
		t.Error("Expected an error for a non-redis scheme")
	}
}

func TestStoreDisconnectedByDefault(t *testing.T) {
	s := New(nil, "127.0.0.1:1", "meta-sort:")

	if s.IsConnected() {
		t.Error("Expected disconnected before Connect")
	}
	if s.Client() != nil {
		t.Error("Expected nil client while disconnected")
	}
	if s.Leader() != nil {
		t.Error("Expected nil leader while disconnected")
	}
	if got := s.Prefix(); got != "meta-sort:" {
		t.Errorf("Expected prefix meta-sort:, got %s", got)
	}
}

func TestStoreStaysDisconnectedWhenLeaderUnreachable(t *testing.T) {
	// Port 1 refuses connections, so the dial-and-verify must fail and
	// the store must stay cleanly disconnected rather than half-open.
	s := New(nil, "", "meta-sort:")

	readyFired := false
	s.OnReady(func() { readyFired = true })

	s.handleLeaderFound(leader.Descriptor{
		Hostname:   "node-1",
		DataURL:    "redis://127.0.0.1:1",
		ControlURL: "http://127.0.0.1:1",
	})

	if readyFired {
		t.Error("Ready must not fire for a failed connect")
	}
	if s.IsConnected() {
		t.Error("Expected disconnected state after a failed connect")
	}
	if s.Client() != nil {
		t.Error("Expected nil client after a failed connect")
	}
}

func TestStoreDisconnectCallbackOnLeaderLost(t *testing.T) {
	s := New(nil, "", "meta-sort:")

	disconnects := 0
	s.OnDisconnect(func() { disconnects++ })

	s.handleLeaderLost()
	if disconnects != 1 {
		t.Errorf("Expected one disconnect callback, got %d", disconnects)
	}
	if s.IsConnected() {
		t.Error("Expected disconnected state")
	}
}

func TestVideoCountZeroWhileDisconnected(t *testing.T) {
	s := New(nil, "", "meta-sort:")
	if got := s.VideoCount(context.Background()); got != 0 {
		t.Errorf("Expected 0 while disconnected, got %d", got)
	}
}

func TestGetStatusWellFormedWhileDisconnected(t *testing.T) {
	s := New(nil, "", "meta-sort:")

	st := s.GetStatus(context.Background())
	if st.Type != "leader" {
		t.Errorf("Expected type leader, got %s", st.Type)
	}
	if st.Connected {
		t.Error("Expected connected=false")
	}
	if st.Leader != nil {
		t.Errorf("Expected null leader, got %+v", st.Leader)
	}
	if st.Prefix != "meta-sort:" {
		t.Errorf("Expected prefix meta-sort:, got %s", st.Prefix)
	}
	if st.VideoCount != 0 {
		t.Errorf("Expected zero video count, got %d", st.VideoCount)
	}
}

func TestStoreConnectsOnceAndReadyOncePerIdentity(t *testing.T) {
	addrA, closeA := fakeRedis(t)
	defer closeA()
	addrB, closeB := fakeRedis(t)
	defer closeB()

	s := New(nil, "", "meta-sort:")
	defer s.Close()

	ready := 0
	s.OnReady(func() { ready++ })

	d := leader.Descriptor{Hostname: "node-1", DataURL: addrA, ControlURL: "http://node-1:9000"}
	s.handleLeaderFound(d)

	if ready != 1 {
		t.Fatalf("Expected one ready callback after connect, got %d", ready)
	}
	if !s.IsConnected() {
		t.Fatal("Expected connected state")
	}
	first := s.Client()
	if first == nil {
		t.Fatal("Expected a live client handle")
	}

	// The same identity announced again must not reconnect or re-notify.
	s.handleLeaderFound(d)
	if ready != 1 {
		t.Errorf("Expected no extra ready callback for the same identity, got %d", ready)
	}
	if s.Client() != first {
		t.Error("Expected the connection to survive a same-identity event")
	}

	// A new identity swaps the connection and notifies again.
	d2 := leader.Descriptor{Hostname: "node-2", DataURL: addrB, ControlURL: "http://node-2:9000"}
	s.handleLeaderFound(d2)
	if ready != 2 {
		t.Errorf("Expected a second ready callback for the new identity, got %d", ready)
	}
	if s.Client() == first {
		t.Error("Expected a fresh connection after the leader swap")
	}
	if got := s.Leader(); got == nil || got.DataURL != addrB {
		t.Errorf("Expected leader %s, got %+v", addrB, got)
	}
}

func TestOnReadyFiresImmediatelyWhenConnected(t *testing.T) {
	addr, closeFn := fakeRedis(t)
	defer closeFn()

	s := New(nil, "", "meta-sort:")
	defer s.Close()
	s.handleLeaderFound(leader.Descriptor{Hostname: "node-1", DataURL: addr, ControlURL: "http://node-1:9000"})

	fired := false
	s.OnReady(func() { fired = true })
	if !fired {
		t.Error("Expected immediate ready callback on an already connected store")
	}
}

func TestIsConnectedDetectsDeadBackend(t *testing.T) {
	addr, closeFn := fakeRedis(t)

	s := New(nil, "", "meta-sort:")
	defer s.Close()
	s.handleLeaderFound(leader.Descriptor{Hostname: "node-1", DataURL: addr, ControlURL: "http://node-1:9000"})
	if !s.IsConnected() {
		t.Fatal("Expected connected state")
	}

	closeFn()
	if s.IsConnected() {
		t.Error("Expected the liveness check to notice the dead backend")
	}
	if s.Client() != nil {
		t.Error("Expected nil client after the flag flipped")
	}
}

func TestMarkDisconnectedIgnoresSwappedOutClient(t *testing.T) {
	addr, closeFn := fakeRedis(t)
	defer closeFn()

	s := New(nil, "", "meta-sort:")
	defer s.Close()
	s.handleLeaderFound(leader.Descriptor{Hostname: "node-1", DataURL: addr, ControlURL: "http://node-1:9000"})
	fresh := s.Client()
	if fresh == nil {
		t.Fatal("Expected a live client")
	}

	// A probe verdict for a client that is no longer the live handle
	// (a leader swap landed while the ping was in flight) must not mark
	// the fresh connection disconnected.
	stale := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer stale.Close()
	s.markDisconnected(stale)
	if s.Client() == nil {
		t.Error("Expected the fresh connection to stay connected after a stale probe verdict")
	}

	s.markDisconnected(fresh)
	if s.Client() != nil {
		t.Error("Expected disconnected state after a verdict for the live handle")
	}
}

func TestGetStatusDirectType(t *testing.T) {
	s := New(nil, "redis://127.0.0.1:1", "meta-sort:")
	st := s.GetStatus(context.Background())
	if st.Type != "direct" {
		t.Errorf("Expected type direct for an override URL, got %s", st.Type)
	}
}
