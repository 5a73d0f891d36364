package webchantesting

import (
	"context"
	"errors"
	"testing"

	"github.com/webchan/webchan"
	"github.com/webchan/webchan/grpcweb"
)

// RunClientTestCases exercises the given client against a server that
// has a *TestServer registered. The cases are defined as child tests
// via t.Run.
func RunClientTestCases(t *testing.T, cli *grpcweb.Client) {
	t.Run("unary success", func(t *testing.T) { testUnarySuccess(t, cli) })
	t.Run("unary not-found", func(t *testing.T) { testUnaryNotFound(t, cli) })
	t.Run("server stream", func(t *testing.T) { testServerStream(t, cli) })
	t.Run("server stream cancel", func(t *testing.T) { testServerStreamCancel(t, cli) })
	t.Run("server stream mid-error", func(t *testing.T) { testServerStreamMidError(t, cli) })
}

func testUnarySuccess(t *testing.T, cli *grpcweb.Client) {
	msg, err := cli.Invoke(context.Background(), "increment", &IncrementRequest{Value: 10})
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	resp, ok := msg.Value.(*IncrementResponse)
	if !ok {
		t.Fatalf("wrong response type: %T", msg.Value)
	}
	if resp.Value != 11 {
		t.Fatalf("wrong response value: expecting 11, got %d", resp.Value)
	}
}

func testUnaryNotFound(t *testing.T, cli *grpcweb.Client) {
	_, err := cli.Invoke(context.Background(), "getHello", &HelloRequest{Language: "x"})
	if err == nil {
		t.Fatal("expecting call to fail")
	}
	var ce *webchan.ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("wrong error type: %T (%v)", err, err)
	}
	if ce.Kind != webchan.NotFound {
		t.Fatalf("wrong error kind: expecting %v, got %v", webchan.NotFound, ce.Kind)
	}
	if ce.Message != "language 'x' not found" {
		t.Fatalf("wrong error message: %q", ce.Message)
	}
}

func testServerStream(t *testing.T, cli *grpcweb.Client) {
	s := cli.NewStream(context.Background(), "streamNumbers", &StreamNumbersRequest{Max: 5})
	msgs, err := webchan.Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("streamNumbers failed: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("wrong number of messages: expecting 5, got %d", len(msgs))
	}
	for i, m := range msgs {
		resp, ok := m.Value.(*StreamNumbersResponse)
		if !ok {
			t.Fatalf("wrong message type: %T", m.Value)
		}
		if resp.Counter != i {
			t.Fatalf("wrong counter at %d: got %d", i, resp.Counter)
		}
	}
}

func testServerStreamCancel(t *testing.T, cli *grpcweb.Client) {
	s := cli.NewStream(context.Background(), "streamNumbers", &StreamNumbersRequest{Max: 10, SleepMs: 50})
	s.Start()

	var types []webchan.EventType
	received := 0
	for ev := range s.Events() {
		types = append(types, ev.Type)
		if ev.Type == webchan.EventMessage {
			received++
			if received == 3 {
				s.Cancel()
			}
		}
	}

	want := []webchan.EventType{
		webchan.EventReady,
		webchan.EventMessage,
		webchan.EventMessage,
		webchan.EventMessage,
		webchan.EventCanceled,
	}
	if len(types) != len(want) {
		t.Fatalf("wrong event sequence: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("wrong event at %d: expecting %v, got %v (sequence %v)", i, want[i], types[i], types)
		}
	}
}

func testServerStreamMidError(t *testing.T, cli *grpcweb.Client) {
	s := cli.NewStream(context.Background(), "streamNumbers", &StreamNumbersRequest{Max: 10, FailAfter: 2})
	msgs, err := webchan.Collect(context.Background(), s)
	if err == nil {
		t.Fatal("expecting stream to fail")
	}
	if len(msgs) != 2 {
		t.Fatalf("wrong number of messages before failure: expecting 2, got %d", len(msgs))
	}
	var ce *webchan.ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("wrong error type: %T (%v)", err, err)
	}
	if ce.Kind != webchan.ResourceExhausted {
		t.Fatalf("wrong error kind: expecting %v, got %v", webchan.ResourceExhausted, ce.Kind)
	}
	if ce.Message != "stream budget exhausted" {
		t.Fatalf("wrong error message: %q", ce.Message)
	}
}
