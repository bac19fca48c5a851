package mtproto

import (
	"errors"
)

// SerializedMessage is the protocol's serialized buffer: a sequence of 4-byte
// little-endian words. A decrypted inbound message carries the full inner
// envelope:
//
//	words 0-1  server salt
//	words 2-3  session id
//	words 4-5  message id
//	word  6    sequence number (bit 0 is the "needs ack" flag)
//	word  7    body length in bytes
//	words 8+   body, first word is the TL constructor id
type SerializedMessage []int32

// Envelope word offsets.
const (
	wordSalt      = 0
	wordSessionID = 2
	wordMsgID     = 4
	wordSeqNo     = 6
	wordBodyLen   = 7

	// EnvelopeWords is the number of words in the inner message envelope.
	EnvelopeWords = 8
)

// TL constructor ids understood by the session layer. Values are fixed by the
// wire protocol and must not change. Declared as variables rather than
// constants: several ids exceed MaxInt32, and the codec converts them to
// signed words, which Go only permits for non-constant expressions.
var (
	IDMsgContainer       uint32 = 0x73f1f8dc
	IDRPCResult          uint32 = 0xf35c6d01
	IDRPCError           uint32 = 0x2144ca19
	IDPong               uint32 = 0x347773c5
	IDPing               uint32 = 0x7abe77ec
	IDMsgsAck            uint32 = 0x62d6b459
	IDMsgsStateReq       uint32 = 0xda69fb52
	IDMsgsStateInfo      uint32 = 0x04deb57d
	IDNewSessionCreated  uint32 = 0x9ec20908
	IDBadMsgNotification uint32 = 0xa7eff811
	IDBadServerSalt      uint32 = 0xedab447b
	IDVector             uint32 = 0x1cb5c415
	IDInvokeWithLayer    uint32 = 0xda9b0d0d
)

// CurrentLayer is the application layer number sent during layer negotiation.
const CurrentLayer int32 = 71

// Wire-level errors.
var (
	// ErrTruncatedMessage indicates a buffer shorter than its envelope or its
	// declared body length.
	ErrTruncatedMessage = errors.New("mtproto: truncated serialized message")

	// ErrNotContainer indicates that UnpackContainer was called on a message
	// whose body is not a msg_container.
	ErrNotContainer = errors.New("mtproto: message is not a container")

	// ErrInvalidVector indicates a malformed TL vector.
	ErrInvalidVector = errors.New("mtproto: invalid TL vector")

	// ErrInvalidString indicates a malformed TL string.
	ErrInvalidString = errors.New("mtproto: invalid TL string")
)

// ResponseNeedsAck reports whether a serialized message requires an
// acknowledgment. A buffer shorter than the 8-unit envelope never needs one;
// otherwise the flag is bit 0 of the 32-bit field at offset 6.
func ResponseNeedsAck(response SerializedMessage) bool {
	if len(response) < EnvelopeWords {
		return false
	}
	return uint32(response[wordSeqNo])&1 == 1
}

// Valid reports whether the buffer is long enough to hold a complete envelope.
func (m SerializedMessage) Valid() bool {
	return len(m) >= EnvelopeWords
}

// Salt returns the server salt of the envelope.
func (m SerializedMessage) Salt() uint64 { return ReadUint64(m, wordSalt) }

// SessionID returns the session id of the envelope.
func (m SerializedMessage) SessionID() uint64 { return ReadUint64(m, wordSessionID) }

// MsgID returns the message id of the envelope.
func (m SerializedMessage) MsgID() MsgID { return MsgID(ReadUint64(m, wordMsgID)) }

// SeqNo returns the sequence number of the envelope.
func (m SerializedMessage) SeqNo() uint32 { return uint32(m[wordSeqNo]) }

// Body returns the message body words, bounded by the declared body length.
func (m SerializedMessage) Body() []int32 {
	if !m.Valid() {
		return nil
	}
	words := int(uint32(m[wordBodyLen])) / WordSize
	if words > len(m)-EnvelopeWords {
		words = len(m) - EnvelopeWords
	}
	return m[EnvelopeWords : EnvelopeWords+words]
}

// ConstructorID returns the TL constructor id of the body, or 0 when the body
// is empty.
func (m SerializedMessage) ConstructorID() uint32 {
	body := m.Body()
	if len(body) == 0 {
		return 0
	}
	return uint32(body[0])
}

// WordSize is the size in bytes of one serialized word.
const WordSize = 4

// NewEnvelope builds a full inner envelope around body.
func NewEnvelope(salt, sessionID uint64, msgID MsgID, seqNo uint32, body []int32) SerializedMessage {
	buf := make(SerializedMessage, 0, EnvelopeWords+len(body))
	buf = AppendUint64(buf, salt)
	buf = AppendUint64(buf, sessionID)
	buf = AppendUint64(buf, uint64(msgID))
	buf = append(buf, int32(seqNo), int32(len(body)*WordSize)) //nolint:gosec
	buf = append(buf, body...)

	return buf
}

// Message is a request staged for transmission: a body with its assigned
// message id and sequence number. Bit 0 of SeqNo encodes whether the message
// requires acknowledgment.
type Message struct {
	MsgID     MsgID
	SeqNo     uint32
	RequestID RequestID
	Body      []int32
}

// NeedsAck reports whether the message requires acknowledgment.
func (m *Message) NeedsAck() bool { return m.SeqNo&1 == 1 }

// NewContainer wraps msgs into a single msg_container message with its own
// message id and (non-ack) sequence number. Message order follows msgs.
func NewContainer(msgs []*Message, msgID MsgID, seqNo uint32) *Message {
	size := 2
	for _, m := range msgs {
		size += 4 + len(m.Body)
	}

	body := make([]int32, 0, size)
	body = append(body, int32(IDMsgContainer), int32(len(msgs))) //nolint:gosec
	for _, m := range msgs {
		body = AppendUint64(body, uint64(m.MsgID))
		body = append(body, int32(m.SeqNo), int32(len(m.Body)*WordSize)) //nolint:gosec
		body = append(body, m.Body...)
	}

	return &Message{MsgID: msgID, SeqNo: seqNo, Body: body}
}

// UnpackContainer splits a msg_container message into its inner messages,
// each re-wrapped in an envelope carrying the outer salt and session id.
func UnpackContainer(env SerializedMessage) ([]SerializedMessage, error) {
	body := env.Body()
	if len(body) < 2 || uint32(body[0]) != IDMsgContainer {
		return nil, ErrNotContainer
	}

	// The count comes off the wire; each inner message needs at least a
	// 4-word header, so anything negative or past that bound is garbage.
	count := int(body[1])
	if count < 0 || count > (len(body)-2)/4 {
		return nil, ErrTruncatedMessage
	}
	inner := make([]SerializedMessage, 0, count)

	pos := 2
	for i := 0; i < count; i++ {
		if pos+4 > len(body) {
			return nil, ErrTruncatedMessage
		}
		msgID := MsgID(ReadUint64(body, pos))
		seqNo := uint32(body[pos+2])
		byteLen := int(uint32(body[pos+3]))
		words := byteLen / WordSize
		pos += 4
		if byteLen%WordSize != 0 || pos+words > len(body) {
			return nil, ErrTruncatedMessage
		}
		inner = append(inner, NewEnvelope(env.Salt(), env.SessionID(), msgID, seqNo, body[pos:pos+words]))
		pos += words
	}

	return inner, nil
}

// ReadUint64 reads a 64-bit value stored as two little-endian-ordered words
// starting at word offset i.
func ReadUint64(words []int32, i int) uint64 {
	if i+1 >= len(words) {
		return 0
	}
	return uint64(uint32(words[i])) | uint64(uint32(words[i+1]))<<32
}

// AppendUint64 appends a 64-bit value as two words, low word first.
func AppendUint64(buf []int32, v uint64) []int32 {
	return append(buf, int32(uint32(v)), int32(uint32(v>>32))) //nolint:gosec
}

// AppendMsgIDVector appends a TL Vector<long> of message ids.
func AppendMsgIDVector(buf []int32, ids []MsgID) []int32 {
	buf = append(buf, int32(IDVector), int32(len(ids))) //nolint:gosec
	for _, id := range ids {
		buf = AppendUint64(buf, uint64(id))
	}
	return buf
}

// ReadMsgIDVector reads a TL Vector<long> of message ids starting at word
// offset i.
func ReadMsgIDVector(words []int32, i int) ([]MsgID, error) {
	if i+2 > len(words) || uint32(words[i]) != IDVector {
		return nil, ErrInvalidVector
	}
	count := int(words[i+1])
	if count < 0 || i+2+count*2 > len(words) {
		return nil, ErrInvalidVector
	}

	ids := make([]MsgID, 0, count)
	for j := 0; j < count; j++ {
		ids = append(ids, MsgID(ReadUint64(words, i+2+j*2)))
	}

	return ids, nil
}

// AppendTLString appends a TL-serialized string: a length prefix followed by
// the raw bytes, zero-padded to a word boundary.
func AppendTLString(buf []int32, s string) []int32 {
	raw := []byte(s)

	var b []byte
	if len(raw) < 254 {
		b = make([]byte, 0, len(raw)+4)
		b = append(b, byte(len(raw)))
	} else {
		b = make([]byte, 0, len(raw)+8)
		b = append(b, 254, byte(len(raw)), byte(len(raw)>>8), byte(len(raw)>>16))
	}
	b = append(b, raw...)
	for len(b)%WordSize != 0 {
		b = append(b, 0)
	}

	for i := 0; i < len(b); i += WordSize {
		buf = append(buf, int32(uint32(b[i])|uint32(b[i+1])<<8|uint32(b[i+2])<<16|uint32(b[i+3])<<24)) //nolint:gosec
	}

	return buf
}

// ReadTLString reads a TL-serialized string starting at word offset i.
// It returns the string and the word offset just past it.
func ReadTLString(words []int32, i int) (string, int, error) {
	if i >= len(words) {
		return "", 0, ErrInvalidString
	}

	b := wordsToBytes(words[i:])

	var strLen, prefix int
	if b[0] < 254 {
		strLen = int(b[0])
		prefix = 1
	} else {
		if len(b) < 4 {
			return "", 0, ErrInvalidString
		}
		strLen = int(b[1]) | int(b[2])<<8 | int(b[3])<<16
		prefix = 4
	}

	if prefix+strLen > len(b) {
		return "", 0, ErrInvalidString
	}

	total := prefix + strLen
	padded := (total + WordSize - 1) / WordSize

	return string(b[prefix : prefix+strLen]), i + padded, nil
}

func wordsToBytes(words []int32) []byte {
	b := make([]byte, 0, len(words)*WordSize)
	for _, w := range words {
		u := uint32(w)
		b = append(b, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
	}
	return b
}
