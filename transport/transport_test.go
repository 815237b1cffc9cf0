package duct

import (
	"testing"
	"time"
)

func mustTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

// exchange interleaves Poll calls on both ends, accumulating whatever the
// server's reliable channel delivers, until want bytes have arrived or the
// iteration budget is exhausted. There are no goroutines: this is the same
// single-threaded cooperative loop an application would run.
func exchange(t *testing.T, client, server *Transport, want int) []byte {
	t.Helper()
	var got []byte
	for i := 0; i < 500 && len(got) < want; i++ {
		if err := client.Poll(5 * time.Millisecond); err != nil {
			t.Fatalf("client poll: %v", err)
		}
		if err := server.Poll(5 * time.Millisecond); err != nil {
			t.Fatalf("server poll: %v", err)
		}
		chunk, err := server.Recv(4096)
		if err != nil {
			t.Fatalf("server recv: %v", err)
		}
		got = append(got, chunk...)
	}
	return got
}

func connectedPair(t *testing.T, clientCfg, serverCfg Config) (client, server *Transport) {
	t.Helper()
	client = mustTransport(t, clientCfg)
	server = mustTransport(t, serverCfg)

	if err := server.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	if err := client.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("client bind: %v", err)
	}
	if err := client.Connect(server.LocalAddr()); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	if err := server.Connect(client.LocalAddr()); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	return client, server
}

func TestReliableSendRecvRoundTrip(t *testing.T) {
	client, server := connectedPair(t,
		Config{Window: 8, ProbReliable: 1.0, Seed: 1},
		Config{Window: 8, ProbReliable: 1.0, Seed: 2, SACKEnabled: true},
	)
	defer client.Close()
	defer server.Close()

	msg := []byte("hello reliable world, this is a multi-segment message")
	n, err := client.Send(msg)
	if err != nil || n != len(msg) {
		t.Fatalf("Send = %d, %v; want %d, nil", n, err, len(msg))
	}

	got := exchange(t, client, server, len(msg))
	if string(got) != string(msg) {
		t.Fatalf("delivered = %q, want %q", got, msg)
	}
}

func TestDrainEmptiesWindowThenIdempotent(t *testing.T) {
	client, server := connectedPair(t,
		Config{Window: 8, ProbReliable: 1.0, Seed: 3},
		Config{Window: 8, ProbReliable: 1.0, Seed: 4, SACKEnabled: true},
	)
	defer client.Close()
	defer server.Close()

	msg := []byte("drain me")
	if _, err := client.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	exchange(t, client, server, len(msg))

	if err := client.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := client.Drain(); err != nil {
		t.Fatalf("second Drain (idempotent) should also succeed: %v", err)
	}
}

func TestSendRespectsWindowBound(t *testing.T) {
	client, server := connectedPair(t,
		Config{Window: 2, ProbReliable: 1.0, MSS: 4, Seed: 5},
		Config{Window: 2, ProbReliable: 1.0, Seed: 6},
	)
	defer client.Close()
	defer server.Close()

	big := make([]byte, 64) // far more than Window(2) * MSS(4) = 8 bytes
	for i := range big {
		big[i] = byte(i)
	}

	accepted, err := client.Send(big)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if accepted > 8 {
		t.Fatalf("Send accepted %d bytes, want <= window*MSS = 8", accepted)
	}
	if client.Stats().Sender.InFlight > 2 {
		t.Fatalf("InFlight = %d, want <= 2", client.Stats().Sender.InFlight)
	}
}

func TestUnreliableChannelRoundTrip(t *testing.T) {
	client, server := connectedPair(t,
		Config{Window: 4, ProbReliable: 0.0, Seed: 7},
		Config{Window: 4, ProbReliable: 0.0, Seed: 8},
	)
	defer client.Close()
	defer server.Close()

	if _, err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	for i := 0; i < 100 && got == nil; i++ {
		if err := client.Poll(5 * time.Millisecond); err != nil {
			t.Fatalf("client poll: %v", err)
		}
		if err := server.Poll(5 * time.Millisecond); err != nil {
			t.Fatalf("server poll: %v", err)
		}
		msg, err := server.RecvUnreliable()
		if err != nil {
			t.Fatalf("RecvUnreliable: %v", err)
		}
		if msg != nil {
			got = msg
		}
	}
	if string(got) != "ping" {
		t.Fatalf("delivered = %q, want %q", got, "ping")
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	client := mustTransport(t, Config{Window: 4, ProbReliable: 1.0})
	if err := client.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := client.Connect("127.0.0.1:1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := client.Send([]byte("x")); err != ErrClosed {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
	if _, err := client.Recv(10); err != ErrClosed {
		t.Fatalf("Recv after Close = %v, want ErrClosed", err)
	}
	if err := client.Poll(time.Millisecond); err != ErrClosed {
		t.Fatalf("Poll after Close = %v, want ErrClosed", err)
	}
	if err := client.Drain(); err != ErrClosed {
		t.Fatalf("Drain after Close = %v, want ErrClosed", err)
	}
}

func TestNewRejectsInvalidArguments(t *testing.T) {
	if _, err := New(Config{Window: 0, ProbReliable: 0.5}); err == nil {
		t.Fatal("expected error for zero window")
	}
	if _, err := New(Config{Window: 4, ProbReliable: 1.5}); err == nil {
		t.Fatal("expected error for out-of-range prob_reliable")
	}
}

func TestConnectBeforeBindDialsEphemeralPort(t *testing.T) {
	server := mustTransport(t, Config{Window: 4, ProbReliable: 1.0})
	if err := server.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	defer server.Close()

	client := mustTransport(t, Config{Window: 4, ProbReliable: 1.0})
	defer client.Close()
	if err := client.Connect(server.LocalAddr()); err != nil {
		t.Fatalf("Connect without prior Bind: %v", err)
	}
	if client.LocalAddr() == "" {
		t.Fatal("expected Connect to auto-bind an ephemeral local port")
	}
}
