package transport

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnvelopeHeadersRoundTrip(t *testing.T) {
	t.Run("request envelope", func(t *testing.T) {
		env := &Envelope{
			CorrelationID: "corr-1",
			ReplyTo:       "orders-resp",
			Expires:       1700000000000,
		}
		got := EnvelopeFromHeaders(env.Headers())
		if diff := cmp.Diff(env, got); diff != "" {
			t.Errorf("envelope mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("fault response envelope", func(t *testing.T) {
		env := &Envelope{
			CorrelationID: "corr-2",
			Fault:         "boom",
			HasFault:      true,
		}
		got := EnvelopeFromHeaders(env.Headers())
		if diff := cmp.Diff(env, got); diff != "" {
			t.Errorf("envelope mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("empty fault message still marks fault", func(t *testing.T) {
		env := &Envelope{CorrelationID: "corr-3", HasFault: true}
		got := EnvelopeFromHeaders(env.Headers())
		if got == nil || !got.HasFault {
			t.Fatalf("expected fault flag preserved, got %+v", got)
		}
	})

	t.Run("zero envelope has no headers", func(t *testing.T) {
		var env *Envelope
		if h := env.Headers(); h != nil {
			t.Errorf("expected nil headers, got %v", h)
		}
		if h := (&Envelope{}).Headers(); h != nil {
			t.Errorf("expected nil headers for zero envelope, got %v", h)
		}
	})

	t.Run("headers without correlation id decode to nil", func(t *testing.T) {
		h := map[string][]byte{HeaderReplyTo: []byte("x")}
		if env := EnvelopeFromHeaders(h); env != nil {
			t.Errorf("expected nil envelope, got %+v", env)
		}
	})
}

func TestFrameHeaders(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		headers := map[string][]byte{
			HeaderCorrelationID: []byte("abc"),
			HeaderReplyTo:       []byte("resp"),
		}
		payload := []byte(`{"n":42}`)

		framed, err := FrameHeaders(headers, payload)
		if err != nil {
			t.Fatalf("FrameHeaders failed: %v", err)
		}
		gotHeaders, gotPayload, err := UnframeHeaders(framed)
		if err != nil {
			t.Fatalf("UnframeHeaders failed: %v", err)
		}
		if diff := cmp.Diff(headers, gotHeaders); diff != "" {
			t.Errorf("headers mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(payload, gotPayload); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nil headers", func(t *testing.T) {
		framed, err := FrameHeaders(nil, []byte("body"))
		if err != nil {
			t.Fatalf("FrameHeaders failed: %v", err)
		}
		headers, payload, err := UnframeHeaders(framed)
		if err != nil {
			t.Fatalf("UnframeHeaders failed: %v", err)
		}
		if len(headers) != 0 {
			t.Errorf("expected empty headers, got %v", headers)
		}
		if string(payload) != "body" {
			t.Errorf("expected payload %q, got %q", "body", payload)
		}
	})

	t.Run("too short", func(t *testing.T) {
		if _, _, err := UnframeHeaders([]byte{0, 0}); !errors.Is(err, ErrFrameTooShort) {
			t.Errorf("expected ErrFrameTooShort, got %v", err)
		}
	})

	t.Run("truncated block", func(t *testing.T) {
		if _, _, err := UnframeHeaders([]byte{0, 0, 0, 200, '{'}); !errors.Is(err, ErrFrameTooShort) {
			t.Errorf("expected ErrFrameTooShort, got %v", err)
		}
	})

	t.Run("malformed block", func(t *testing.T) {
		framed := []byte{0, 0, 0, 3, 'x', 'y', 'z'}
		if _, _, err := UnframeHeaders(framed); !errors.Is(err, ErrFrameHeader) {
			t.Errorf("expected ErrFrameHeader, got %v", err)
		}
	})
}
