package protocol

import (
	"encoding/binary"
	"fmt"
)

// Memcache binary protocol header.
//
//	0 magic | 1 opcode | 2-3 key length | 4 extras length | 5 data type
//	6-7 vbucket (request) / status (response) | 8-11 total body length
//	12-15 opaque | 16-23 cas
const (
	MemcacheHeaderSize = 24

	MemcacheRequest  byte = 0x80
	MemcacheResponse byte = 0x81

	MemcacheGet byte = 0x00

	MemcacheStatusOK       uint16 = 0x0000
	MemcacheStatusNotFound uint16 = 0x0001

	// KeyLen is the fixed length of generated keys.
	KeyLen = 30

	// MemcacheGetSize is the size of one encoded GET request.
	MemcacheGetSize = MemcacheHeaderSize + KeyLen

	// OpaqueOffset locates the opaque field inside the header.
	OpaqueOffset = 12
)

// MemcacheHeader is the fixed header of every request and response.
type MemcacheHeader struct {
	Magic    byte
	Opcode   byte
	KeyLen   uint16
	ExtraLen uint8
	DataType uint8
	Status   uint16
	BodyLen  uint32
	Opaque   uint32
	CAS      uint64
}

// MarshalTo encodes h into the first MemcacheHeaderSize bytes of p.
func (h *MemcacheHeader) MarshalTo(p []byte) (int, error) {
	if len(p) < MemcacheHeaderSize {
		return 0, ErrShortPacket
	}
	p[0] = h.Magic
	p[1] = h.Opcode
	binary.BigEndian.PutUint16(p[2:4], h.KeyLen)
	p[4] = h.ExtraLen
	p[5] = h.DataType
	binary.BigEndian.PutUint16(p[6:8], h.Status)
	binary.BigEndian.PutUint32(p[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(p[12:16], h.Opaque)
	binary.BigEndian.PutUint64(p[16:24], h.CAS)
	return MemcacheHeaderSize, nil
}

// Unmarshal decodes a header from p.
func (h *MemcacheHeader) Unmarshal(p []byte) error {
	if len(p) < MemcacheHeaderSize {
		return ErrShortPacket
	}
	h.Magic = p[0]
	h.Opcode = p[1]
	h.KeyLen = binary.BigEndian.Uint16(p[2:4])
	h.ExtraLen = p[4]
	h.DataType = p[5]
	h.Status = binary.BigEndian.Uint16(p[6:8])
	h.BodyLen = binary.BigEndian.Uint32(p[8:12])
	h.Opaque = binary.BigEndian.Uint32(p[12:16])
	h.CAS = binary.BigEndian.Uint64(p[16:24])
	return nil
}

// Key returns the key text for a numeric id.
func Key(id uint64) string {
	return fmt.Sprintf("key-%026d", id)
}

// AppendGet appends a GET request for the key of id to p.
func AppendGet(p []byte, id uint64, opaque uint32) []byte {
	h := MemcacheHeader{
		Magic:   MemcacheRequest,
		Opcode:  MemcacheGet,
		KeyLen:  KeyLen,
		BodyLen: KeyLen,
		Opaque:  opaque,
	}
	off := len(p)
	p = append(p, make([]byte, MemcacheGetSize)...)
	h.MarshalTo(p[off:])
	copy(p[off+MemcacheHeaderSize:], Key(id))
	return p
}
