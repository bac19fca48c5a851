package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/john-rice/tdesktop/mtproto"
)

func TestReceivedMsgIDsRegister(t *testing.T) {
	require := require.New(t)

	r := NewReceivedMsgIDs(3, nil)

	require.True(r.Register(10, true))
	require.True(r.Register(20, false))
	require.True(r.Register(30, true))
	require.Equal(3, r.Size())

	t.Run("duplicate rejected", func(t *testing.T) {
		require.False(r.Register(20, false))
		require.Equal(3, r.Size())
	})

	t.Run("stale id rejected when full", func(t *testing.T) {
		require.False(r.Register(5, true))
		require.Equal(3, r.Size())
	})

	t.Run("newer id accepted past capacity", func(t *testing.T) {
		require.True(r.Register(40, true))
		require.Equal(4, r.Size())
	})

	t.Run("shrink evicts oldest", func(t *testing.T) {
		r.Shrink()
		require.Equal(3, r.Size())
		require.Equal(mtproto.MsgID(20), r.Min())
		require.Equal(mtproto.MsgID(40), r.Max())

		// The evicted id may now be re-registered as if never seen.
		require.Equal(MsgIDNotFound, r.Lookup(10))
	})
}

func TestReceivedMsgIDsLookup(t *testing.T) {
	require := require.New(t)

	r := NewReceivedMsgIDs(10, nil)
	require.True(r.Register(100, true))
	require.True(r.Register(200, false))

	require.Equal(MsgIDNeedsAck, r.Lookup(100))
	require.Equal(MsgIDNoAckNeeded, r.Lookup(200))
	require.Equal(MsgIDNotFound, r.Lookup(300))
}

func TestReceivedMsgIDsShrinkNoop(t *testing.T) {
	require := require.New(t)

	r := NewReceivedMsgIDs(5, nil)
	require.True(r.Register(1, false))
	require.True(r.Register(2, false))

	r.Shrink()
	require.Equal(2, r.Size())
}

func TestReceivedMsgIDsClear(t *testing.T) {
	require := require.New(t)

	r := NewReceivedMsgIDs(5, nil)
	require.True(r.Register(1, true))
	r.Clear()

	require.Zero(r.Size())
	require.Equal(MsgIDNotFound, r.Lookup(1))
	require.True(r.Register(1, true))
}

func TestReceivedMsgIDsEmpty(t *testing.T) {
	require := require.New(t)

	r := NewReceivedMsgIDs(5, nil)
	require.Zero(r.Min())
	require.Zero(r.Max())
	require.Zero(r.Size())
}
