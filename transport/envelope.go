package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"strconv"
)

// Envelope header keys. These names are fixed wire format: requests carry
// CorrelationId, ReplyTo and Expires; responses carry CorrelationId and,
// when the handler faulted, Fault.
const (
	HeaderCorrelationID = "CorrelationId"
	HeaderReplyTo       = "ReplyTo"
	HeaderExpires       = "Expires"
	HeaderFault         = "Fault"
)

// Envelope framing errors
var (
	ErrFrameTooShort = errors.New("framed message too short")
	ErrFrameHeader   = errors.New("malformed frame header block")
)

// Envelope is the correlation metadata carried alongside a payload.
type Envelope struct {
	CorrelationID string
	ReplyTo       string
	Expires       int64 // sender-side deadline, milliseconds since epoch
	Fault         string
	HasFault      bool
}

// Headers renders the envelope as transport headers.
// Returns nil for a zero envelope so plain publishes carry no header block.
func (e *Envelope) Headers() map[string][]byte {
	if e == nil || (e.CorrelationID == "" && !e.HasFault) {
		return nil
	}
	h := map[string][]byte{
		HeaderCorrelationID: []byte(e.CorrelationID),
	}
	if e.ReplyTo != "" {
		h[HeaderReplyTo] = []byte(e.ReplyTo)
	}
	if e.Expires != 0 {
		h[HeaderExpires] = []byte(strconv.FormatInt(e.Expires, 10))
	}
	if e.HasFault {
		h[HeaderFault] = []byte(e.Fault)
	}
	return h
}

// EnvelopeFromHeaders decodes an envelope from transport headers.
// Returns nil if no correlation id is present (a plain pub/sub message).
func EnvelopeFromHeaders(h map[string][]byte) *Envelope {
	if h == nil {
		return nil
	}
	id, ok := h[HeaderCorrelationID]
	if !ok || len(id) == 0 {
		return nil
	}
	e := &Envelope{CorrelationID: string(id)}
	if v, ok := h[HeaderReplyTo]; ok {
		e.ReplyTo = string(v)
	}
	if v, ok := h[HeaderExpires]; ok {
		e.Expires, _ = strconv.ParseInt(string(v), 10, 64)
	}
	if v, ok := h[HeaderFault]; ok {
		e.Fault = string(v)
		e.HasFault = true
	}
	return e
}

// FrameHeaders prepends a length-prefixed header block to a payload, for
// transports without native record headers. Wire format is a 4-byte
// big-endian block length followed by a JSON object of string headers.
func FrameHeaders(headers map[string][]byte, payload []byte) ([]byte, error) {
	block := map[string]string{}
	for k, v := range headers {
		block[k] = string(v)
	}
	hdr, err := json.Marshal(block)
	if err != nil {
		return nil, errors.Join(ErrFrameHeader, err)
	}
	out := make([]byte, 4+len(hdr)+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(hdr)))
	copy(out[4:], hdr)
	copy(out[4+len(hdr):], payload)
	return out, nil
}

// UnframeHeaders splits a framed message back into headers and payload.
func UnframeHeaders(data []byte) (map[string][]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, ErrFrameTooShort
	}
	n := binary.BigEndian.Uint32(data)
	if uint32(len(data)-4) < n {
		return nil, nil, ErrFrameTooShort
	}
	var block map[string]string
	if err := json.Unmarshal(data[4:4+n], &block); err != nil {
		return nil, nil, errors.Join(ErrFrameHeader, err)
	}
	headers := make(map[string][]byte, len(block))
	for k, v := range block {
		headers[k] = []byte(v)
	}
	return headers, data[4+n:], nil
}
