// Package wire defines the framed wire protocol spoken between producers,
// consumers and the broker: header layout, the RecordType enumeration, and
// little-endian integer encoding. Wire-format constants and encode/decode
// helpers live here, separate from the state machine that drives them.
package wire

import "encoding/binary"

// RecordType identifies the payload that follows a frame header.
type RecordType uint8

const (
	// Undefined is the zero value; an unknown or reserved record type.
	// Sessions drop the record but, where the protocol allows, keep the
	// connection open.
	Undefined RecordType = 0

	// Auth carries "topic_name;token" from client to broker.
	Auth RecordType = 1

	// Producer carries topic_id:u32 followed by the record bytes, client to
	// broker.
	Producer RecordType = 2

	// ConsumerFollowTopics carries topic_id:u32 as a request (client to
	// broker) or index_offset:u64,data_offset:u64 as a reply (broker to
	// client).
	ConsumerFollowTopics RecordType = 3

	// DataFeed carries raw bytes copied from a topic's data file, broker to
	// client.
	DataFeed RecordType = 4

	// IndexFeed carries a multiple of 8 bytes copied from a topic's index
	// file, broker to client.
	IndexFeed RecordType = 5
)

// HeaderSize is the size in bytes of a frame header: a 4-byte little-endian
// size field, a 1-byte sequence number, and a 1-byte record type.
const HeaderSize = 4 + 1 + 1

// Header is the fixed portion of a frame.
//
//	┌─────────┬─────┬─────────┬─────────────────────────┐
//	│ size:u32│seq:u8│ type:u8 │ payload (size-6 bytes)  │
//	└─────────┴─────┴─────────┴─────────────────────────┘
//
// Size is the total frame length including the 4-byte size field itself,
// the sequence byte, the type byte, and the payload — never just the
// payload length.
type Header struct {
	Size int    // total frame length, including this header
	Seq  uint8  // (prev_seq_on_this_connection + 1) mod 256
	Type RecordType
}

// PayloadLen returns the number of payload bytes described by this header.
func (h Header) PayloadLen() int {
	return h.Size - HeaderSize
}

// PutHeader encodes h into the first HeaderSize bytes of dst, which must be
// at least that long.
func PutHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.Size))
	dst[4] = h.Seq
	dst[5] = byte(h.Type)
}

// DecodeHeader reads a header from the first HeaderSize bytes of src, which
// must be at least that long.
func DecodeHeader(src []byte) Header {
	return Header{
		Size: int(binary.LittleEndian.Uint32(src[0:4])),
		Seq:  src[4],
		Type: RecordType(src[5]),
	}
}

// PutUint16/32/64 and Uint16/32/64 wrap encoding/binary.LittleEndian for
// the fixed-width integers the protocol uses (topic ids, offsets).

func PutUint64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func PutUint32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func PutUint16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }

func Uint64(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }
func Uint32(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }
func Uint16(src []byte) uint16 { return binary.LittleEndian.Uint16(src) }

// IndexEntrySize is the width in bytes of one index-file entry: a little
// endian u64 byte offset just past the end of the corresponding record.
const IndexEntrySize = 8
