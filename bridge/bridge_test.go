package bridge

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pi-agents/pi-swarm/channels"
	"github.com/pi-agents/pi-swarm/message"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestChannel(t *testing.T, name string) *channels.Server {
	t.Helper()
	srv := channels.NewServer(filepath.Join(t.TempDir(), name+".sock"))
	if err := srv.Start(); err != nil {
		t.Fatalf("start channel: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestBridgeForwardsLocalChannelToTCPPeer(t *testing.T) {
	localA := newTestChannel(t, "a")
	port := freePort(t)

	srv := NewServer(localA.SocketPath, "127.0.0.1", port)
	if err := srv.Start(); err != nil {
		t.Fatalf("start bridge server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	defer conn.Close()

	aClient := channels.NewClient(localA.SocketPath)
	if err := aClient.Connect(); err != nil {
		t.Fatalf("connect local client: %v", err)
	}
	t.Cleanup(aClient.Disconnect)

	waitFor(t, time.Second, func() bool { return localA.ClientCount() == 2 })

	if err := aClient.Send(message.Message{Msg: "hi-tcp"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	dec := message.NewFrameDecoder(0)
	buf := make([]byte, 4096)
	var got []message.Message
	waitFor(t, time.Second, func() bool {
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, _ := conn.Read(buf)
		if n > 0 {
			msgs, _ := dec.Push(buf[:n])
			got = append(got, msgs...)
		}
		return len(got) == 1
	})
	if got[0].Msg != "hi-tcp" {
		t.Fatalf("expected hi-tcp, got %+v", got)
	}
}

func TestTwoMachineBridgeEndToEnd(t *testing.T) {
	localA := newTestChannel(t, "side-a")
	localB := newTestChannel(t, "side-b")
	port := freePort(t)

	srv := NewServer(localA.SocketPath, "127.0.0.1", port)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server bridge: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	cli := NewClient(localB.SocketPath, "127.0.0.1", port)
	cli.ShouldReconnect = false
	if err := cli.Start(); err != nil {
		t.Fatalf("start client bridge: %v", err)
	}
	t.Cleanup(cli.Stop)

	aClient := channels.NewClient(localA.SocketPath)
	if err := aClient.Connect(); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	t.Cleanup(aClient.Disconnect)

	bClient := channels.NewClient(localB.SocketPath)
	var mu sync.Mutex
	var bGot []message.Message
	bClient.OnMessage(func(m message.Message) { mu.Lock(); bGot = append(bGot, m); mu.Unlock() })
	if err := bClient.Connect(); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	t.Cleanup(bClient.Disconnect)

	waitFor(t, time.Second, func() bool { return localA.ClientCount() == 2 && localB.ClientCount() == 2 })

	if err := aClient.Send(message.Message{Msg: "over-the-wire"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bGot) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if bGot[0].Msg != "over-the-wire" {
		t.Fatalf("expected over-the-wire, got %+v", bGot)
	}
}

func TestClientInitialConnectFailureDisconnectsLocal(t *testing.T) {
	local := newTestChannel(t, "fail-initial")
	port := freePort(t) // nothing listening on this port

	cli := NewClient(local.SocketPath, "127.0.0.1", port)
	cli.ShouldReconnect = false
	if err := cli.Start(); err == nil {
		t.Fatalf("expected initial connect to fail")
	}
	if cli.Status() == StatusRunning {
		t.Fatalf("status should not be running after failed start")
	}
	waitFor(t, time.Second, func() bool { return local.ClientCount() == 0 })
}

func TestClientReconnectsWithBackoffAfterServerDrop(t *testing.T) {
	local := newTestChannel(t, "reconnect")
	port := freePort(t)

	srv := NewServer(local.SocketPath, "127.0.0.1", port)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	cli := NewClient(local.SocketPath, "127.0.0.1", port)
	cli.InitialDelay = 50 * time.Millisecond
	cli.MaxDelay = 400 * time.Millisecond

	var mu sync.Mutex
	var attempts []time.Duration
	cli.OnReconnecting(func(attempt int, delay time.Duration) {
		mu.Lock()
		attempts = append(attempts, delay)
		mu.Unlock()
	})

	if err := cli.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(cli.Stop)

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop server: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts[0] < 37*time.Millisecond || attempts[0] > 63*time.Millisecond {
		t.Fatalf("first delay out of [37,63]ms: %v", attempts[0])
	}
	for _, d := range attempts {
		if d > 400*time.Millisecond {
			t.Fatalf("delay exceeded max: %v", d)
		}
	}
}

func TestServerCleanStopReportsStoppedWithoutError(t *testing.T) {
	local := newTestChannel(t, "clean-stop-srv")
	port := freePort(t)

	srv := NewServer(local.SocketPath, "127.0.0.1", port)

	var mu sync.Mutex
	var errs []error
	srv.OnError(func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() })

	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop server: %v", err)
	}

	if got := srv.Status(); got != StatusStopped {
		t.Fatalf("expected status stopped after clean stop, got %s", got)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 0 {
		t.Fatalf("expected no error events on clean stop, got %v", errs)
	}
}

func TestClientCleanStopReportsStoppedWithoutError(t *testing.T) {
	local := newTestChannel(t, "clean-stop-cli")
	port := freePort(t)

	srv := NewServer(local.SocketPath, "127.0.0.1", port)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	cli := NewClient(local.SocketPath, "127.0.0.1", port)

	var mu sync.Mutex
	var errs []error
	cli.OnError(func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() })

	if err := cli.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}
	cli.Stop()

	if got := cli.Status(); got != StatusStopped {
		t.Fatalf("expected status stopped after clean stop, got %s", got)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 0 {
		t.Fatalf("expected no error events on clean stop, got %v", errs)
	}
}

func TestClientNoReconnectWhenDisabled(t *testing.T) {
	local := newTestChannel(t, "no-reconnect")
	port := freePort(t)

	srv := NewServer(local.SocketPath, "127.0.0.1", port)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	cli := NewClient(local.SocketPath, "127.0.0.1", port)
	cli.ShouldReconnect = false

	var mu sync.Mutex
	reconnecting := false
	cli.OnReconnecting(func(int, time.Duration) { mu.Lock(); reconnecting = true; mu.Unlock() })

	if err := cli.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(cli.Stop)

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop server: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if reconnecting {
		t.Fatalf("expected no reconnecting event with ShouldReconnect=false")
	}
}
