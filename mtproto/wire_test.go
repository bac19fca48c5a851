package mtproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseNeedsAck(t *testing.T) {
	require := require.New(t)

	// Buffers shorter than the envelope never need acknowledgment.
	require.False(ResponseNeedsAck(nil))
	require.False(ResponseNeedsAck(make(SerializedMessage, EnvelopeWords-1)))

	buf := NewEnvelope(1, 2, 4, 3, []int32{int32(IDPing)})
	require.True(ResponseNeedsAck(buf))

	buf = NewEnvelope(1, 2, 4, 2, []int32{int32(IDPing)})
	require.False(ResponseNeedsAck(buf))

	// The flag is exactly bit 0 of the 32-bit field at offset 6.
	buf[wordSeqNo] = -2 // 0xfffffffe
	require.False(ResponseNeedsAck(buf))
	buf[wordSeqNo] = -1 // 0xffffffff
	require.True(ResponseNeedsAck(buf))
}

func TestConstructorWordRoundTrip(t *testing.T) {
	require := require.New(t)

	// Several constructor ids have the high bit set; converting them to
	// signed words and back must preserve the id exactly.
	ids := []uint32{
		IDRPCResult,
		IDMsgsStateReq,
		IDNewSessionCreated,
		IDBadMsgNotification,
		IDBadServerSalt,
		IDInvokeWithLayer,
	}

	for _, id := range ids {
		env := NewEnvelope(0, 0, 4, 0, []int32{int32(id)})
		require.Equal(id, env.ConstructorID())
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	require := require.New(t)

	body := []int32{int32(IDPong), 1, 2, 3, 4}
	buf := NewEnvelope(0xdeadbeefcafe, 0x1122334455667788, MsgID(0x0102030405060708), 7, body)

	require.True(buf.Valid())
	require.Equal(uint64(0xdeadbeefcafe), buf.Salt())
	require.Equal(uint64(0x1122334455667788), buf.SessionID())
	require.Equal(MsgID(0x0102030405060708), buf.MsgID())
	require.Equal(uint32(7), buf.SeqNo())
	require.Equal(body, buf.Body())
	require.Equal(IDPong, buf.ConstructorID())
}

func TestContainerPackUnpack(t *testing.T) {
	require := require.New(t)

	msgs := []*Message{
		{MsgID: 4, SeqNo: 1, Body: []int32{int32(IDPing), 10, 0}},
		{MsgID: 8, SeqNo: 3, Body: []int32{100, 200}},
	}

	container := NewContainer(msgs, 12, 4)
	require.Equal(MsgID(12), container.MsgID)
	require.False(container.NeedsAck())

	env := NewEnvelope(5, 6, container.MsgID, container.SeqNo, container.Body)
	inner, err := UnpackContainer(env)
	require.NoError(err)
	require.Len(inner, 2)

	for i, in := range inner {
		require.Equal(uint64(5), in.Salt())
		require.Equal(uint64(6), in.SessionID())
		require.Equal(msgs[i].MsgID, in.MsgID())
		require.Equal(msgs[i].SeqNo, in.SeqNo())
		require.Equal(msgs[i].Body, in.Body())
	}
}

func TestUnpackContainerErrors(t *testing.T) {
	require := require.New(t)

	env := NewEnvelope(0, 0, 4, 1, []int32{int32(IDPing), 0, 0})
	_, err := UnpackContainer(env)
	require.ErrorIs(err, ErrNotContainer)

	// Declared count larger than the actual payload.
	env = NewEnvelope(0, 0, 4, 0, []int32{int32(IDMsgContainer), 3})
	_, err = UnpackContainer(env)
	require.ErrorIs(err, ErrTruncatedMessage)

	// A negative or absurd count word must be rejected, not allocated.
	env = NewEnvelope(0, 0, 4, 0, []int32{int32(IDMsgContainer), -1})
	_, err = UnpackContainer(env)
	require.ErrorIs(err, ErrTruncatedMessage)

	env = NewEnvelope(0, 0, 4, 0, []int32{int32(IDMsgContainer), 1 << 30})
	_, err = UnpackContainer(env)
	require.ErrorIs(err, ErrTruncatedMessage)
}

func TestMsgIDVectorRoundTrip(t *testing.T) {
	require := require.New(t)

	ids := []MsgID{4, 8, 0xabcdef0123456789}
	buf := AppendMsgIDVector([]int32{int32(IDMsgsAck)}, ids)

	out, err := ReadMsgIDVector(buf, 1)
	require.NoError(err)
	require.Equal(ids, out)

	_, err = ReadMsgIDVector(buf, 0)
	require.ErrorIs(err, ErrInvalidVector)
}

func TestTLStringRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, s := range []string{"", "A", "FLOOD_WAIT_42", "0123456789abcde"} {
		buf := AppendTLString(nil, s)

		out, next, err := ReadTLString(buf, 0)
		require.NoError(err)
		require.Equal(s, out)
		require.Equal(len(buf), next)
	}
}

func TestRPCErrorRoundTrip(t *testing.T) {
	require := require.New(t)

	buf := AppendRPCError(nil, 420, "FLOOD_WAIT_17")
	require.Equal(IDRPCError, uint32(buf[0]))

	rpcErr, err := ParseRPCError(buf, 0)
	require.NoError(err)
	require.Equal(int32(420), rpcErr.Code)
	require.Equal("FLOOD_WAIT_17", rpcErr.Type)
	require.Contains(rpcErr.Error(), "FLOOD_WAIT_17")
}
