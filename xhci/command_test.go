// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// TestCommandEngineSubmitCompleteRoundTrip exercises the normal path of
// C3: Submit blocks until Complete delivers the matching event, and the
// doorbell is rung exactly once per submission.
func TestCommandEngineSubmitCompleteRoundTrip(t *testing.T) {
	var rings int

	c, err := NewCommandEngine(func() { rings++ })
	if err != nil {
		t.Fatal(err)
	}
	defer c.Fini()

	go func() {
		// give Submit a chance to enqueue and start waiting.
		time.Sleep(10 * time.Millisecond)

		evt := TRB{}
		evt.SetType(TRBCommandCompEvt)
		evt.SetSlotID(1)
		evt.Status = uint32(CompletionSuccess) << 24
		c.Complete(evt)
	}()

	evt, err := c.Submit(context.Background(), enableSlotCmd())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if evt.SlotID() != 1 {
		t.Fatalf("completion slot = %d, want 1", evt.SlotID())
	}

	if rings != 1 {
		t.Fatalf("doorbell rung %d times, want 1", rings)
	}
}

// TestCommandEngineSubmitTimeout exercises the case where the host
// controller never produces a completion event.
func TestCommandEngineSubmitTimeout(t *testing.T) {
	c, err := NewCommandEngine(func() {})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Fini()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Submit(ctx, enableSlotCmd()); err == nil {
		t.Fatal("Submit should have failed once the context expired")
	}
}

// TestCommandEngineSubmitHcError exercises the non-success completion
// code path: Submit must report ErrHcError while still returning the
// event TRB so the caller can inspect the completion code.
func TestCommandEngineSubmitHcError(t *testing.T) {
	c, err := NewCommandEngine(func() {})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Fini()

	go func() {
		time.Sleep(10 * time.Millisecond)

		evt := TRB{}
		evt.SetType(TRBCommandCompEvt)
		evt.Status = uint32(CompletionStallErr) << 24
		c.Complete(evt)
	}()

	evt, err := c.Submit(context.Background(), enableSlotCmd())
	if !errors.Is(err, ErrHcError) {
		t.Fatalf("err = %v, want ErrHcError", err)
	}

	if evt.CompletionCode() != CompletionStallErr {
		t.Fatalf("returned completion code = %d, want %d", evt.CompletionCode(), CompletionStallErr)
	}
}
