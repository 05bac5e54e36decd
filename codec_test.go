package cxp_test

import (
	"errors"
	"strings"
	"testing"

	cxp "github.com/contextlink/go-cxp"
)

func collectFrames(t *testing.T, codec *cxp.Codec, chunk string) ([]cxp.Message, []error) {
	t.Helper()

	var msgs []cxp.Message
	var errs []error
	for msg, err := range codec.Feed([]byte(chunk)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg.Clone())
	}
	return msgs, errs
}

func TestCodecReassemblesPartialFrames(t *testing.T) {
	codec := cxp.NewCodec()

	frame := `{"jsonrpc":"2.0","id":"1","method":"ping"}` + "\n"
	half := len(frame) / 2

	msgs, errs := collectFrames(t, codec, frame[:half])
	if len(msgs) != 0 || len(errs) != 0 {
		t.Fatalf("partial feed yielded %d messages and %d errors, want none", len(msgs), len(errs))
	}
	if codec.Buffered() != half {
		t.Errorf("Buffered() = %d, want %d", codec.Buffered(), half)
	}

	msgs, errs = collectFrames(t, codec, frame[half:])
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Method != cxp.MethodPing || msgs[0].ID != "1" {
		t.Errorf("decoded message = %+v", msgs[0])
	}
	if codec.Buffered() != 0 {
		t.Errorf("Buffered() = %d after complete frame, want 0", codec.Buffered())
	}
}

func TestCodecSplitsMultipleFramesInOneChunk(t *testing.T) {
	codec := cxp.NewCodec()

	chunk := `{"jsonrpc":"2.0","id":"1","method":"ping"}` + "\n" +
		"\n" + // blank line between frames is ignored
		`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"

	msgs, errs := collectFrames(t, codec, chunk)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Kind() != cxp.KindRequest {
		t.Errorf("first message kind = %v, want request", msgs[0].Kind())
	}
	if msgs[1].Kind() != cxp.KindNotification {
		t.Errorf("second message kind = %v, want notification", msgs[1].Kind())
	}
}

func TestCodecMalformedFramePoisonsOnlyThatFrame(t *testing.T) {
	codec := cxp.NewCodec()

	chunk := `{not json}` + "\n" +
		`{"jsonrpc":"1.0","id":"1","method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","id":"2","method":"ping"}` + "\n"

	msgs, errs := collectFrames(t, codec, chunk)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	for _, err := range errs {
		var malformedErr *cxp.MalformedMessageError
		if !errors.As(err, &malformedErr) {
			t.Errorf("error %v is not a MalformedMessageError", err)
		}
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "2" {
		t.Errorf("surviving message ID = %s, want 2", msgs[0].ID)
	}
}

func TestCodecOversizedFrameIsFatal(t *testing.T) {
	codec := cxp.NewCodec(cxp.WithMaxFrameSize(64))

	_, errs := collectFrames(t, codec, strings.Repeat("x", 100))
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	var framingErr *cxp.FramingError
	if !errors.As(errs[0], &framingErr) {
		t.Fatalf("error %v is not a FramingError", errs[0])
	}

	// The codec refuses all further input once desynchronized.
	_, errs = collectFrames(t, codec, `{"jsonrpc":"2.0","id":"1","method":"ping"}`+"\n")
	if len(errs) != 1 {
		t.Fatalf("poisoned codec yielded %d errors, want 1", len(errs))
	}
	if !errors.As(errs[0], &framingErr) {
		t.Errorf("poisoned codec error %v is not a FramingError", errs[0])
	}
}
