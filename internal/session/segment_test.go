package session

import (
	"errors"
	"testing"
	"time"

	"deribit-hedger/internal/deribit/rpc"
)

func TestCountdownAnyOrder(t *testing.T) {
	c := newCountdown()
	if c.resolve(rpc.MethodPublicSubscribe) {
		t.Fatalf("expected replies before arm to be ignored")
	}
	c.arm(map[rpc.Method]int{rpc.MethodPublicSubscribe: 5, rpc.MethodPrivateSubscribe: 1})
	order := []rpc.Method{
		rpc.MethodPublicSubscribe,
		rpc.MethodPrivateSubscribe,
		rpc.MethodPublicSubscribe,
		rpc.MethodPublicSubscribe,
		rpc.MethodPublicSubscribe,
	}
	for _, m := range order {
		c.resolve(m)
	}
	select {
	case <-c.Done():
		t.Fatalf("fired after only 4 public acks")
	default:
	}
	if c.resolve(rpc.MethodPrivateSubscribe) {
		t.Fatalf("expected surplus private ack to be ignored")
	}
	c.resolve(rpc.MethodPublicSubscribe)
	select {
	case <-c.Done():
	default:
		t.Fatalf("expected countdown to fire after 5 public and 1 private ack")
	}
}

func TestCountdownEmptyFiresOnArm(t *testing.T) {
	c := newCountdown()
	c.arm(nil)
	select {
	case <-c.Done():
	default:
		t.Fatalf("expected empty countdown to fire immediately")
	}
}

func TestSegmentFailKeepsFirstError(t *testing.T) {
	errFirst := errors.New("first")
	seg := newSegment(nil, time.Time{})
	seg.fail(errFirst)
	seg.fail(errors.New("second"))
	if seg.failure() != errFirst {
		t.Fatalf("expected first error, got %v", seg.failure())
	}
	if !seg.failed.fired() {
		t.Fatalf("expected failed milestone to fire")
	}
}
