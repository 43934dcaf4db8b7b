package av1obu

import (
	"errors"
	"testing"
)

func TestHandoffControllerPreservesSubmissionOrder(t *testing.T) {
	h := newHandoffController(4)
	outs := []*Output{{InputStamp: 1}, {InputStamp: 2}, {InputStamp: 3}}

	var dones []func(error)
	for _, out := range outs {
		h.submit(out, func(done func(error)) { dones = append(dones, done) })
	}
	// Complete out of submission order: the third finishes first, the
	// first finishes last, but Outputs() must still yield 1, 2, 3.
	for i := len(dones) - 1; i >= 0; i-- {
		dones[i](nil)
	}

	for i := 0; i < 3; i++ {
		got := <-h.output
		if got.InputStamp != i+1 {
			t.Fatalf("output %d: InputStamp = %v, want %d", i, got.InputStamp, i+1)
		}
	}
}

func TestHandoffControllerCachesFirstError(t *testing.T) {
	h := newHandoffController(2)
	wantErr := errors.New("decode failed")

	h.submit(&Output{}, func(done func(error)) { done(wantErr) })
	<-h.output

	if err := h.takeError(); err != wantErr {
		t.Fatalf("takeError() = %v, want %v", err, wantErr)
	}
	if err := h.takeError(); err != nil {
		t.Fatalf("takeError() should clear after being read, got %v", err)
	}
}

func TestHandoffControllerMarksFrameErrorOnOutput(t *testing.T) {
	h := newHandoffController(1)
	out := &Output{}
	h.submit(out, func(done func(error)) { done(errors.New("boom")) })
	got := <-h.output
	if !got.FrameError {
		t.Fatal("Output.FrameError must be set when the decode callback reports an error")
	}
}
