// Package protocol holds the fixed-size binary wire formats spoken by the
// load generators and the reference server. Multi-byte fields are in
// network byte order.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Synthetic protocol.
//
// request:  tag u64 | count u32 | reserved u32 | delay_us u64 × count
// response: tag u64 | count u32 | status u32
const (
	SyntheticHeaderSize   = 16
	SyntheticResponseSize = 16

	// MaxSyntheticBatch bounds the number of delays one packet carries.
	MaxSyntheticBatch = 64
)

// Synthetic response status codes.
const (
	StatusOK    uint32 = 0
	StatusError uint32 = 1
)

var ErrShortPacket = errors.New("protocol: short packet")

// SyntheticRequestSize is the encoded size of a request carrying count
// delays.
func SyntheticRequestSize(count int) int {
	return SyntheticHeaderSize + 8*count
}

// SyntheticRequest asks the server to spend Delays (µs) before replying.
type SyntheticRequest struct {
	Tag    uint64
	Delays []uint64
}

// Size is the encoded size of r.
func (r *SyntheticRequest) Size() int { return SyntheticRequestSize(len(r.Delays)) }

// MarshalTo encodes r into p, which must hold r.Size() bytes.
func (r *SyntheticRequest) MarshalTo(p []byte) (int, error) {
	n := r.Size()
	if len(p) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortPacket, n, len(p))
	}
	binary.BigEndian.PutUint64(p[0:8], r.Tag)
	binary.BigEndian.PutUint32(p[8:12], uint32(len(r.Delays)))
	binary.BigEndian.PutUint32(p[12:16], 0)
	for i, d := range r.Delays {
		binary.BigEndian.PutUint64(p[16+8*i:], d)
	}
	return n, nil
}

// ParseSyntheticHeader decodes the fixed request header and returns the
// tag and the number of delays that follow.
func ParseSyntheticHeader(p []byte) (tag uint64, count int, err error) {
	if len(p) < SyntheticHeaderSize {
		return 0, 0, ErrShortPacket
	}
	count = int(binary.BigEndian.Uint32(p[8:12]))
	if count > MaxSyntheticBatch {
		return 0, 0, fmt.Errorf("protocol: batch of %d delays exceeds %d", count, MaxSyntheticBatch)
	}
	return binary.BigEndian.Uint64(p[0:8]), count, nil
}

// SyntheticResponse acknowledges the request identified by Tag.
type SyntheticResponse struct {
	Tag    uint64
	Count  uint32
	Status uint32
}

// MarshalTo encodes r into the first SyntheticResponseSize bytes of p.
func (r *SyntheticResponse) MarshalTo(p []byte) (int, error) {
	if len(p) < SyntheticResponseSize {
		return 0, ErrShortPacket
	}
	binary.BigEndian.PutUint64(p[0:8], r.Tag)
	binary.BigEndian.PutUint32(p[8:12], r.Count)
	binary.BigEndian.PutUint32(p[12:16], r.Status)
	return SyntheticResponseSize, nil
}

// Unmarshal decodes a response from p.
func (r *SyntheticResponse) Unmarshal(p []byte) error {
	if len(p) < SyntheticResponseSize {
		return ErrShortPacket
	}
	r.Tag = binary.BigEndian.Uint64(p[0:8])
	r.Count = binary.BigEndian.Uint32(p[8:12])
	r.Status = binary.BigEndian.Uint32(p[12:16])
	return nil
}
