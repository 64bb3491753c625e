package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/a2alive/internal/protocol"
)

func testFrame(t *testing.T, text string) protocol.Frame {
	t.Helper()
	f, err := protocol.NewCodec("k").Build(protocol.Fields{
		SessionID: "ses_1",
		ThreadID:  "thr_1",
		Type:      protocol.TypeMessage,
		From:      "agent://a",
		To:        "agent://b",
		Payload:   map[string]string{"text": text},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return f
}

func collect(ctx context.Context, b Bus) <-chan protocol.Frame {
	out := make(chan protocol.Frame, 16)
	go b.Run(ctx, func(_ context.Context, f protocol.Frame) { out <- f })
	return out
}

func TestMemoryBusDeliversToOtherNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()
	a, b := hub.Node("a"), hub.Node("b")
	fromA, fromB := collect(ctx, a), collect(ctx, b)

	f := testFrame(t, "hello")
	if err := a.Publish(ctx, f); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-fromB:
		if got.Envelope != f.Envelope || string(got.Payload) != string(f.Payload) {
			t.Errorf("got %+v, want %+v", got, f)
		}
	case <-time.After(time.Second):
		t.Fatal("node b did not receive the frame")
	}

	select {
	case got := <-fromA:
		t.Errorf("publisher received its own frame %s", got.Envelope.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Node("a"), hub.Node("b")
	b.Close()

	if err := a.Publish(context.Background(), testFrame(t, "x")); err != nil {
		t.Fatalf("Publish after peer close: %v", err)
	}
	if len(b.ch) != 0 {
		t.Error("closed node still receives")
	}
	if err := b.Publish(context.Background(), testFrame(t, "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish on closed bus err = %v, want ErrClosed", err)
	}
}

func TestMessageRoundTripKeepsSignature(t *testing.T) {
	f := testFrame(t, "<signed & sealed>")
	data, err := encode("node-1", f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Origin != "node-1" {
		t.Errorf("Origin = %q", m.Origin)
	}
	if !protocol.Verify(m.Frame.Envelope, m.Frame.Signature, []byte("k")) {
		t.Error("frame no longer verifies after the bus round trip")
	}
}

func TestRedisDispatchSkipsOwnOrigin(t *testing.T) {
	b := &RedisBus{channel: DefaultChannel, node: "self"}
	var got []protocol.Frame
	h := func(_ context.Context, f protocol.Frame) { got = append(got, f) }

	own, _ := encode("self", testFrame(t, "mine"))
	other, _ := encode("peer", testFrame(t, "theirs"))
	b.dispatch(context.Background(), own, h)
	b.dispatch(context.Background(), []byte("garbage"), h)
	b.dispatch(context.Background(), other, h)

	if len(got) != 1 {
		t.Fatalf("delivered %d frames, want 1", len(got))
	}
	if string(got[0].Payload) != `{"text":"theirs"}` {
		t.Errorf("payload = %s", got[0].Payload)
	}
}

func TestNewRedisBusBadURL(t *testing.T) {
	if _, err := NewRedisBus(context.Background(), "not-a-url://", "", "n"); err == nil {
		t.Error("expected error for malformed redis url")
	}
}

func sessionFrame(t *testing.T, sessionID, text string) protocol.Frame {
	t.Helper()
	f := testFrame(t, text)
	f.Envelope.SessionID = sessionID
	return f
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()
	pub, sub := hub.Node("pub"), hub.Node("sub")

	release := make(chan struct{})
	handled := make(chan string, 8)
	go sub.Run(ctx, func(_ context.Context, f protocol.Frame) {
		var p struct {
			Text string `json:"text"`
		}
		_ = f.ParsePayload(&p)
		if p.Text == "slow" {
			<-release
		}
		handled <- f.Envelope.SessionID + "/" + p.Text
	})

	for _, f := range []protocol.Frame{
		sessionFrame(t, "ses_a", "slow"),
		sessionFrame(t, "ses_a", "after"),
		sessionFrame(t, "ses_b", "fast"),
	} {
		if err := pub.Publish(ctx, f); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case got := <-handled:
		if got != "ses_b/fast" {
			t.Fatalf("first handled = %s, want ses_b/fast", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ses_b stuck behind the slow ses_a frame")
	}

	close(release)
	for _, want := range []string{"ses_a/slow", "ses_a/after"} {
		select {
		case got := <-handled:
			if got != want {
				t.Errorf("handled %s, want %s", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never handled", want)
		}
	}
}

func TestSerialKeepsSessionOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	s := newSerial(func(_ context.Context, f protocol.Frame) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, f.Envelope.ID)
		mu.Unlock()
	})

	var want []string
	for i := 0; i < 20; i++ {
		f := sessionFrame(t, "ses_1", "x")
		want = append(want, f.Envelope.ID)
		s.dispatch(context.Background(), f)
	}
	s.wait()

	if len(got) != len(want) {
		t.Fatalf("handled %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
	if len(s.queues) != 0 {
		t.Errorf("%d idle queues left behind", len(s.queues))
	}
}
