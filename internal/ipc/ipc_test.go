package ipc

import (
	"bytes"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"gravtree/internal/sim"
)

func testSnapshot(n int) *sim.Snapshot {
	snap := &sim.Snapshot{Sequence: 7, Frame: 42, Seed: 3, Timestamp: time.Unix(100, 5)}
	for i := 0; i < n; i++ {
		snap.Bodies = append(snap.Bodies, sim.BodySnapshot{
			X: float64(i), Y: float64(2 * i), VX: 0.5, VY: -0.5, Mass: 1 + float64(i),
		})
	}
	snap.Stats.Frame = 42
	snap.Stats.Tree.Nodes = 9
	snap.Stats.Tree.Depth = 3
	snap.Stats.AccelFixes = 1
	snap.Stats.Frozen = 2
	snap.Diagnostics.KineticEnergy = 12.5
	snap.Diagnostics.TotalMass = 99
	return snap
}

// TestFrameRoundTrip checks framing and gob decoding of both message types
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteMessage(&buf, MsgTypeConfig, ConfigMessage{BodyCount: 10, Theta: 0.5}); err != nil {
		t.Fatalf("WriteMessage config: %v", err)
	}
	if err := WriteMessage(&buf, MsgTypeSnapshot, FromSnapshot(testSnapshot(3))); err != nil {
		t.Fatalf("WriteMessage snapshot: %v", err)
	}
	if err := WriteMessage(&buf, MsgTypePing, nil); err != nil {
		t.Fatalf("WriteMessage ping: %v", err)
	}

	typ, data, err := ReadMessage(&buf)
	if err != nil || typ != MsgTypeConfig {
		t.Fatalf("Expected config, got type %d err %v", typ, err)
	}
	cfg, err := DecodeConfig(data)
	if err != nil || cfg.BodyCount != 10 || cfg.Theta != 0.5 {
		t.Fatalf("Unexpected config %+v (%v)", cfg, err)
	}

	typ, data, err = ReadMessage(&buf)
	if err != nil || typ != MsgTypeSnapshot {
		t.Fatalf("Expected snapshot, got type %d err %v", typ, err)
	}
	msg, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	got := msg.ToSnapshot()
	want := testSnapshot(3)
	if got.Frame != want.Frame || got.Seed != want.Seed || len(got.Bodies) != 3 {
		t.Fatalf("Snapshot mismatch: %+v", got)
	}
	for i := range want.Bodies {
		if got.Bodies[i] != want.Bodies[i] {
			t.Errorf("Body %d: expected %+v, got %+v", i, want.Bodies[i], got.Bodies[i])
		}
	}
	if got.Stats.Recoveries() != 3 || got.Stats.Tree.Depth != 3 {
		t.Errorf("Stats not preserved: %+v", got.Stats)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("Timestamp: expected %v, got %v", want.Timestamp, got.Timestamp)
	}

	typ, data, err = ReadMessage(&buf)
	if err != nil || typ != MsgTypePing || len(data) != 0 {
		t.Fatalf("Expected empty ping, got type %d len %d err %v", typ, len(data), err)
	}
}

// TestReadMessageRejectsBadHeader covers version and size checks
func TestReadMessageRejectsBadHeader(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
	}{
		{"wrong version", []byte{9, 0, MsgTypePing, 0, 0, 0, 0, 0}},
		{"too large", []byte{byte(ProtocolVersion), 0, MsgTypeSnapshot, 0, 0xff, 0xff, 0xff, 0x7f}},
		{"short header", []byte{byte(ProtocolVersion), 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ReadMessage(bytes.NewReader(tt.header)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

// TestPublisherSubscriber streams snapshots over a real socket
func TestPublisherSubscriber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.sock")

	pub := NewPublisher(path)
	pub.SetConfig(ConfigMessage{BodyCount: 5, SpatialRadius: 100, TickRate: 30, Theta: 0.5})
	if err := pub.Start(); err != nil {
		t.Fatalf("Publisher start: %v", err)
	}
	defer pub.Stop()

	received := make(chan *SnapshotMessage, 16)
	sub := NewSubscriber(path)
	sub.OnSnapshot(func(m *SnapshotMessage) {
		select {
		case received <- m:
		default:
		}
	})
	if err := sub.Start(); err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()

	cfg := sub.WaitForConfig(5 * time.Second)
	if cfg == nil || cfg.BodyCount != 5 {
		t.Fatalf("Expected config with 5 bodies, got %+v", cfg)
	}

	// The client is registered right after its config is written
	deadline := time.After(5 * time.Second)
	for {
		pub.PublishSnapshot(testSnapshot(5))
		select {
		case msg := <-received:
			if msg.Frame != 42 || len(msg.Bodies) != 5 {
				t.Fatalf("Unexpected snapshot frame %d, %d bodies", msg.Frame, len(msg.Bodies))
			}
			if sub.GetLatestSnapshot() == nil {
				t.Error("Expected latest snapshot to be stored")
			}
			return
		case <-deadline:
			t.Fatal("Timed out waiting for snapshot")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestPublishWithoutClients must not block or queue
func TestPublishWithoutClients(t *testing.T) {
	pub := NewPublisher(filepath.Join(t.TempDir(), "idle.sock"))
	pub.PublishSnapshot(testSnapshot(1)) // not started

	if err := pub.Start(); err != nil {
		t.Fatal(err)
	}
	defer pub.Stop()

	for i := 0; i < 100; i++ {
		pub.PublishSnapshot(testSnapshot(1))
	}
	clients, sent, dropped := pub.GetStats()
	if clients != 0 || sent != 0 || dropped != 0 {
		t.Errorf("Expected idle publisher, got clients=%d sent=%d dropped=%d", clients, sent, dropped)
	}
}

// TestEncodeFrameTooLarge leaves the buffer untouched on an oversized body
func TestEncodeFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("prev")

	err := encodeFrame(&buf, MsgTypeSnapshot, FromSnapshot(testSnapshot(100)), 64)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Expected ErrMessageTooLarge, got %v", err)
	}
	if buf.String() != "prev" {
		t.Errorf("Expected buffer to be restored, got %d bytes", buf.Len())
	}
}

// TestBroadcastEncodeFailureKeepsClients counts an unencodable message as a
// dropped frame and keeps the client for the next one
func TestBroadcastEncodeFailureKeepsClients(t *testing.T) {
	pub := NewPublisher(filepath.Join(t.TempDir(), "unused.sock"))
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	pub.clients[serverSide] = struct{}{}
	pub.clientCount = 1

	if pub.broadcast(MsgTypeSnapshot, make(chan int)) {
		t.Fatal("Expected an unencodable message not to be delivered")
	}
	clients, _, dropped := pub.GetStats()
	if clients != 1 || dropped != 1 {
		t.Fatalf("Expected 1 client and 1 dropped frame, got %d and %d", clients, dropped)
	}

	got := make(chan byte, 1)
	go func() {
		if typ, _, err := ReadMessage(clientSide); err == nil {
			got <- typ
		}
	}()
	if !pub.broadcast(MsgTypePing, nil) {
		t.Fatal("Expected the ping to reach the client")
	}
	select {
	case typ := <-got:
		if typ != MsgTypePing {
			t.Errorf("Expected ping, got type %d", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for ping")
	}
}

func BenchmarkWriteSnapshot_10000(b *testing.B) {
	msg := FromSnapshot(testSnapshot(10000))
	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := WriteMessage(&buf, MsgTypeSnapshot, msg); err != nil {
			b.Fatal(err)
		}
	}
}
