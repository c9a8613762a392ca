package message

import (
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	m := Message{Msg: "hello", Data: map[string]any{"n": float64(1)}}
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewFrameDecoder(0)
	got, err := d.Push(frame)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(got) != 1 || got[0].Msg != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameSplitAcrossPushes(t *testing.T) {
	m := Message{Msg: "split-me"}
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	mid := len(frame) / 2
	d := NewFrameDecoder(0)

	got, err := d.Push(frame[:mid])
	if err != nil {
		t.Fatalf("push a: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages from partial frame, got %v", got)
	}

	got, err = d.Push(frame[mid:])
	if err != nil {
		t.Fatalf("push b: %v", err)
	}
	if len(got) != 1 || got[0].Msg != "split-me" {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameByteAtATime(t *testing.T) {
	m := Message{Msg: "byte-by-byte"}
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewFrameDecoder(0)
	var got []Message
	for i, b := range frame {
		res, err := d.Push([]byte{b})
		if err != nil {
			t.Fatalf("push byte %d: %v", i, err)
		}
		got = append(got, res...)
	}
	if len(got) != 1 || got[0].Msg != "byte-by-byte" {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameTooLargeThenRecovers(t *testing.T) {
	d := NewFrameDecoder(16)

	big := Message{Msg: strings.Repeat("x", 100)}
	bigFrame, err := Encode(big)
	if err != nil {
		t.Fatalf("encode big: %v", err)
	}

	if _, err := d.Push(bigFrame); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	small := Message{Msg: "ok"}
	smallFrame, err := Encode(small)
	if err != nil {
		t.Fatalf("encode small: %v", err)
	}

	got, err := d.Push(smallFrame)
	if err != nil {
		t.Fatalf("recover push: %v", err)
	}
	if len(got) != 1 || got[0].Msg != "ok" {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameBadJSONThenRecovers(t *testing.T) {
	d := NewFrameDecoder(0)

	badPayload := []byte(`{"msg": 5}`)
	badFrame := frameFromPayload(badPayload)

	if _, err := d.Push(badFrame); err != ErrBadFrame {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}

	small := Message{Msg: "still-works"}
	smallFrame, err := Encode(small)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := d.Push(smallFrame)
	if err != nil {
		t.Fatalf("recover push: %v", err)
	}
	if len(got) != 1 || got[0].Msg != "still-works" {
		t.Fatalf("got %+v", got)
	}
}

func frameFromPayload(payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	frame[0] = byte(len(payload) >> 24)
	frame[1] = byte(len(payload) >> 16)
	frame[2] = byte(len(payload) >> 8)
	frame[3] = byte(len(payload))
	copy(frame[4:], payload)
	return frame
}
