package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/john-rice/tdesktop/mtproto"
)

// newTestController builds a controller whose timers are parked far in the
// future, so every send cycle is driven explicitly with SendAnything(0).
func newTestController(t *testing.T) (*Controller, *fakeConn) {
	t.Helper()

	cfg, err := NewConfig(
		WithSendCoalesceDelay(time.Hour),
		WithAckSendDelay(time.Hour),
		WithCheckInterval(time.Hour),
		WithPingInterval(time.Hour),
	)
	require.NoError(t, err)

	fc := newFakeConn()
	c, err := NewController(context.Background(), fc, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Kill)

	return c, fc
}

func testAuthKey(seed byte) *mtproto.AuthKey {
	raw := make([]byte, mtproto.AuthKeySize)
	raw[0] = seed
	return mtproto.NewAuthKey(raw)
}

// activate drives the controller to ActiveState without opening the fake
// transport through Start, keeping the receive pump out of the test.
func activate(t *testing.T, c *Controller) {
	t.Helper()

	require.NoError(t, c.stateMgr.ToStarting())
	c.connected.Store(true)
	c.NotifyKeyCreated(testAuthKey(7))
	require.True(t, c.stateMgr.IsActive())
}

// rpcResultEnvelope wraps payload into an rpc_result answering reqMsgID.
func rpcResultEnvelope(reqMsgID mtproto.MsgID, payload []int32, seqNo uint32) mtproto.SerializedMessage {
	body := mtproto.AppendUint64([]int32{int32(mtproto.IDRPCResult)}, uint64(reqMsgID)) //nolint:gosec
	body = append(body, payload...)

	return mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), seqNo, body)
}

func TestControllerSendResponse(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	var (
		doneCount int
		gotReqID  mtproto.RequestID
		gotBody   []int32
	)
	handlers := mtproto.Handlers{
		OnDone: func(requestID mtproto.RequestID, response mtproto.SerializedMessage) {
			doneCount++
			gotReqID = requestID
			gotBody = response.Body()
		},
	}

	reqID := c.Send([]int32{0x1111, 42}, handlers, 0)
	require.NotZero(reqID)
	require.Equal(RequestStatusQueued, c.RequestStatus(reqID))

	c.SendAnything(0)
	require.Equal(1, fc.batchCount())

	batch := fc.batch(0)
	require.Len(batch, 1)
	msg := batch[0]
	require.Equal([]int32{0x1111, 42}, msg.Body)
	require.True(msg.NeedsAck())
	require.NotZero(msg.MsgID)
	require.Equal(RequestStatusSent, c.RequestStatus(reqID))

	env := rpcResultEnvelope(msg.MsgID, []int32{0x2222}, 1)
	fc.deliver(env)
	c.TryToReceive()

	// The callback fires from the dispatch drain, not the I/O path.
	require.Zero(doneCount)

	updates := c.DispatchReceived()
	require.Empty(updates)
	require.Equal(1, doneCount)
	require.Equal(reqID, gotReqID)
	require.Equal(int32(mtproto.IDRPCResult), gotBody[0])
	require.Equal(RequestStatusAcked, c.RequestStatus(reqID))
	require.Zero(c.data.SentCount())

	t.Run("dispatch is exactly once", func(t *testing.T) {
		c.DispatchReceived()
		require.Equal(1, doneCount)
	})

	t.Run("dispatched response is acknowledged", func(t *testing.T) {
		c.SendAnything(0)
		require.Equal(2, fc.batchCount())

		ack := fc.batch(1)[0]
		require.Equal(int32(mtproto.IDMsgsAck), ack.Body[0])
		require.False(ack.NeedsAck())

		ids, err := mtproto.ReadMsgIDVector(ack.Body, 1)
		require.NoError(err)
		require.Contains(ids, env.MsgID())
	})
}

func TestControllerRPCError(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	var gotErr *mtproto.RPCError
	handlers := mtproto.Handlers{
		OnFail: func(requestID mtproto.RequestID, err *mtproto.RPCError) {
			gotErr = err
		},
	}

	c.Send([]int32{0x1111}, handlers, 0)
	c.SendAnything(0)
	msg := fc.batch(0)[0]

	errBody := mtproto.AppendRPCError(nil, 420, "FLOOD_WAIT_3")
	fc.deliver(rpcResultEnvelope(msg.MsgID, errBody, 1))
	c.TryToReceive()
	c.DispatchReceived()

	require.NotNil(gotErr)
	require.Equal(int32(420), gotErr.Code)
	require.Equal("FLOOD_WAIT_3", gotErr.Type)
}

func TestControllerContainer(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	done := make(map[mtproto.RequestID]int)
	handlers := func() mtproto.Handlers {
		return mtproto.Handlers{
			OnDone: func(requestID mtproto.RequestID, _ mtproto.SerializedMessage) {
				done[requestID]++
			},
		}
	}

	first := c.Send([]int32{0x0101}, handlers(), 0)
	second := c.Send([]int32{0x0202}, handlers(), 0)
	c.SendAnything(0)

	// Two requests in one cycle go out as a single container.
	batch := fc.batch(0)
	require.Len(batch, 1)
	container := batch[0]
	require.Equal(int32(mtproto.IDMsgContainer), container.Body[0])
	require.Equal(int32(2), container.Body[1])
	require.False(container.NeedsAck())

	// Inner messages are tracked individually.
	require.Equal(2, c.data.SentCount())
	msgIDs := make(map[mtproto.RequestID]mtproto.MsgID)
	for _, req := range c.data.SentSnapshot() {
		msgIDs[req.ID] = req.MsgID
	}
	require.Len(msgIDs, 2)

	fc.deliver(rpcResultEnvelope(msgIDs[first], []int32{1}, 1))
	fc.deliver(rpcResultEnvelope(msgIDs[second], []int32{2}, 1))
	c.TryToReceive()
	c.DispatchReceived()

	require.Equal(1, done[first])
	require.Equal(1, done[second])
	require.Zero(c.data.SentCount())
}

func TestControllerInboundContainer(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	var got []mtproto.RequestID
	handlers := func() mtproto.Handlers {
		return mtproto.Handlers{
			OnDone: func(requestID mtproto.RequestID, _ mtproto.SerializedMessage) {
				got = append(got, requestID)
			},
		}
	}

	first := c.Send([]int32{0x0101}, handlers(), 0)
	second := c.Send([]int32{0x0202}, handlers(), 0)
	c.SendAnything(0)

	msgIDs := make(map[mtproto.RequestID]mtproto.MsgID)
	for _, req := range c.data.SentSnapshot() {
		msgIDs[req.ID] = req.MsgID
	}

	// Both answers arrive inside one server-side container.
	inner := []*mtproto.Message{
		{
			MsgID: mtproto.GenerateMsgID(),
			SeqNo: 1,
			Body:  mtproto.AppendUint64([]int32{int32(mtproto.IDRPCResult)}, uint64(msgIDs[first])), //nolint:gosec
		},
		{
			MsgID: mtproto.GenerateMsgID(),
			SeqNo: 1,
			Body:  mtproto.AppendUint64([]int32{int32(mtproto.IDRPCResult)}, uint64(msgIDs[second])), //nolint:gosec
		},
	}
	container := mtproto.NewContainer(inner, mtproto.GenerateMsgID(), 0)
	fc.deliver(mtproto.NewEnvelope(0, 0, container.MsgID, container.SeqNo, container.Body))
	c.TryToReceive()
	c.DispatchReceived()

	require.ElementsMatch([]mtproto.RequestID{first, second}, got)
}

func TestControllerMalformedContainerDropped(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	// A container announcing a negative inner count is dropped on the
	// receive path without disturbing the session.
	fc.deliver(mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 0, []int32{int32(mtproto.IDMsgContainer), -1}))
	c.TryToReceive()

	require.Empty(c.DispatchReceived())

	// The session keeps working afterwards.
	c.Send([]int32{0x1313}, mtproto.Handlers{}, 0)
	c.SendAnything(0)
	require.Equal([]int32{0x1313}, fc.lastBatch()[0].Body)
}

func TestControllerResendAll(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	var doneCount int
	handlers := mtproto.Handlers{
		OnDone: func(mtproto.RequestID, mtproto.SerializedMessage) { doneCount++ },
	}

	reqID := c.Send([]int32{0x0777, 9}, handlers, 0)
	c.SendAnything(0)
	oldMsgID := fc.batch(0)[0].MsgID

	c.ResendAll()
	require.Equal(1, c.data.ToSendCount())
	require.Equal(1, c.data.ToResendCount())
	require.Zero(c.data.SentCount())

	t.Run("re-stages exactly once", func(t *testing.T) {
		c.ResendAll()
		require.Equal(1, c.data.ToSendCount())
	})

	c.SendAnything(0)
	require.Equal(2, fc.batchCount())

	resent := fc.batch(1)[0]
	require.NotEqual(oldMsgID, resent.MsgID)
	require.Equal([]int32{0x0777, 9}, resent.Body)

	// The callback survives the retransmission.
	fc.deliver(rpcResultEnvelope(resent.MsgID, []int32{1}, 1))
	c.TryToReceive()
	c.DispatchReceived()
	require.Equal(1, doneCount)
	require.Equal(RequestStatusAcked, c.RequestStatus(reqID))
}

func TestControllerResponseForOldMsgID(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	var doneCount int
	c.Send([]int32{0x0333}, mtproto.Handlers{
		OnDone: func(mtproto.RequestID, mtproto.SerializedMessage) { doneCount++ },
	}, 0)
	c.SendAnything(0)
	oldMsgID := fc.batch(0)[0].MsgID

	// The answer races a pending retransmission: the re-staged copy is
	// dropped and the callback still fires once.
	c.Resend(oldMsgID, 0, false, false)
	require.Equal(1, c.data.ToSendCount())

	fc.deliver(rpcResultEnvelope(oldMsgID, []int32{1}, 1))
	c.TryToReceive()
	c.DispatchReceived()

	require.Equal(1, doneCount)
	require.Zero(c.data.ToSendCount())
	require.Zero(c.data.ToResendCount())
}

func TestControllerDuplicateDropped(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	env := mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 1, []int32{0x7fee0001, 5})

	fc.deliver(env)
	fc.deliver(env)
	c.TryToReceive()

	updates := c.DispatchReceived()
	require.Len(updates, 1)
	require.Empty(c.DispatchReceived())
}

func TestControllerPingPong(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	reqID := c.Ping()
	require.NotZero(reqID)
	c.SendAnything(0)

	msg := fc.batch(0)[0]
	require.Equal(int32(mtproto.IDPing), msg.Body[0])
	require.False(msg.NeedsAck())
	require.Equal(1, c.data.SentCount())

	pingID := mtproto.ReadUint64(msg.Body, 1)
	pong := mtproto.AppendUint64([]int32{int32(mtproto.IDPong)}, uint64(msg.MsgID)) //nolint:gosec
	pong = mtproto.AppendUint64(pong, pingID)
	fc.deliver(mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 0, pong))
	c.TryToReceive()

	require.Zero(c.data.SentCount())
	require.Equal(RequestStatusAcked, c.RequestStatus(reqID))
}

func TestControllerAnswersServerPing(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	serverMsgID := mtproto.GenerateMsgID()
	ping := mtproto.AppendUint64([]int32{int32(mtproto.IDPing)}, 0xabcdef) //nolint:gosec
	fc.deliver(mtproto.NewEnvelope(0, 0, serverMsgID, 1, ping))
	c.TryToReceive()

	// The pong bypasses the send queue.
	require.Equal(1, fc.batchCount())
	pong := fc.batch(0)[0]
	require.Equal(int32(mtproto.IDPong), pong.Body[0])
	require.Equal(uint64(serverMsgID), mtproto.ReadUint64(pong.Body, 1))
	require.Equal(uint64(0xabcdef), mtproto.ReadUint64(pong.Body, 3))
}

func TestControllerMsgsAck(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	var doneCount int
	reqID := c.Send([]int32{0x0404}, mtproto.Handlers{
		OnDone: func(mtproto.RequestID, mtproto.SerializedMessage) { doneCount++ },
	}, 0)
	c.SendAnything(0)
	msgID := fc.batch(0)[0].MsgID

	ack := mtproto.AppendMsgIDVector([]int32{int32(mtproto.IDMsgsAck)}, []mtproto.MsgID{msgID}) //nolint:gosec
	fc.deliver(mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 0, ack))
	c.TryToReceive()

	// A pure ack confirms delivery, not completion.
	require.Zero(c.data.SentCount())
	require.Equal(RequestStatusAcked, c.RequestStatus(reqID))
	require.Zero(doneCount)

	// The response can still arrive afterwards.
	fc.deliver(rpcResultEnvelope(msgID, []int32{1}, 1))
	c.TryToReceive()
	c.DispatchReceived()
	require.Equal(1, doneCount)
}

func TestControllerBadServerSalt(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	reqID := c.Send([]int32{0x0505}, mtproto.Handlers{}, 0)
	c.SendAnything(0)
	badMsgID := fc.batch(0)[0].MsgID

	body := mtproto.AppendUint64([]int32{int32(mtproto.IDBadServerSalt)}, uint64(badMsgID)) //nolint:gosec
	body = append(body, 1, 48)
	body = mtproto.AppendUint64(body, 0xdeadbeef)
	fc.deliver(mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 0, body))
	c.TryToReceive()

	require.Equal(uint64(0xdeadbeef), c.data.Salt())
	require.Equal(RequestStatusQueued, c.RequestStatus(reqID))

	c.SendAnything(0)
	resent := fc.batch(1)[0]
	require.NotEqual(badMsgID, resent.MsgID)
	require.Equal([]int32{0x0505}, resent.Body)
}

func TestControllerBadMsgNotification(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	reqID := c.Send([]int32{0x0606}, mtproto.Handlers{}, 0)
	c.SendAnything(0)
	badMsgID := fc.batch(0)[0].MsgID

	body := mtproto.AppendUint64([]int32{int32(mtproto.IDBadMsgNotification)}, uint64(badMsgID)) //nolint:gosec
	body = append(body, 1, 16)
	fc.deliver(mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 0, body))
	c.TryToReceive()

	require.Equal(RequestStatusQueued, c.RequestStatus(reqID))
}

func TestControllerNewSessionCreated(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	body := mtproto.AppendUint64([]int32{int32(mtproto.IDNewSessionCreated)}, 111) //nolint:gosec
	body = mtproto.AppendUint64(body, 222)
	body = mtproto.AppendUint64(body, 0xfeed)
	fc.deliver(mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 1, body))
	c.TryToReceive()

	require.Equal(uint64(0xfeed), c.data.Salt())

	updates := c.DispatchReceived()
	require.Len(updates, 1)
	require.Equal(mtproto.IDNewSessionCreated, updates[0].ConstructorID())
}

func TestControllerCancelRequest(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	t.Run("queued request never leaves", func(t *testing.T) {
		reqID := c.Send([]int32{0x0707}, mtproto.Handlers{}, 0)
		c.CancelRequest(reqID, 0)
		c.SendAnything(0)
		require.Zero(fc.batchCount())
	})

	t.Run("late response is dropped silently", func(t *testing.T) {
		var doneCount int
		reqID := c.Send([]int32{0x0808}, mtproto.Handlers{
			OnDone: func(mtproto.RequestID, mtproto.SerializedMessage) { doneCount++ },
		}, 0)
		c.SendAnything(0)
		msgID := fc.lastBatch()[0].MsgID

		c.CancelRequest(reqID, msgID)

		fc.deliver(rpcResultEnvelope(msgID, []int32{1}, 1))
		c.TryToReceive()
		c.DispatchReceived()
		require.Zero(doneCount)
	})
}

func TestControllerLayerWrap(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	c.Send([]int32{0x0909}, mtproto.Handlers{}, 0)
	c.SendOpts([]int32{0x0a0a}, mtproto.Handlers{}, 0, SendOptions{NeedsLayer: true})
	c.SendAnything(0)

	require.Equal(2, c.data.SentCount())
	var bodies [][]int32
	for _, req := range c.data.SentSnapshot() {
		bodies = append(bodies, req.Body)
	}
	// Stored payloads stay unwrapped; only the wire copy carries the layer
	// prefix.
	require.ElementsMatch([][]int32{{0x0909}, {0x0a0a}}, bodies)

	container := fc.batch(0)[0]
	require.Equal(int32(mtproto.IDMsgContainer), container.Body[0])

	inner, err := mtproto.UnpackContainer(mtproto.NewEnvelope(0, 0, container.MsgID, container.SeqNo, container.Body))
	require.NoError(err)
	require.Len(inner, 2)

	wrapped := 0
	for _, m := range inner {
		if m.ConstructorID() == mtproto.IDInvokeWithLayer {
			wrapped++
			body := m.Body()
			require.Equal(mtproto.CurrentLayer, body[1])
			require.Equal(int32(0x0a0a), body[2])
		}
	}
	require.Equal(1, wrapped)

	t.Run("no wrap once layer is inited", func(t *testing.T) {
		c.NotifyLayerInited(true)
		c.SendOpts([]int32{0x0b0b}, mtproto.Handlers{}, 0, SendOptions{NeedsLayer: true})
		c.SendAnything(0)

		msg := fc.lastBatch()[0]
		require.Equal([]int32{0x0b0b}, msg.Body)
	})
}

func TestControllerAfterDependency(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	first := c.Send([]int32{0x0c0c}, mtproto.Handlers{}, 0)
	second := c.SendOpts([]int32{0x0d0d}, mtproto.Handlers{}, 0, SendOptions{After: first})

	c.SendAnything(0)
	require.Len(fc.batch(0), 1)
	require.Equal([]int32{0x0c0c}, fc.batch(0)[0].Body)
	require.Equal(RequestStatusQueued, c.RequestStatus(second))

	// The dependent request goes out once the first completes.
	fc.deliver(rpcResultEnvelope(fc.batch(0)[0].MsgID, []int32{1}, 1))
	c.TryToReceive()
	c.SendAnything(0)

	require.Equal([]int32{0x0d0d}, fc.lastBatch()[0].Body)
}

func TestControllerTimeoutRestart(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig(
		WithSendCoalesceDelay(time.Hour),
		WithAckSendDelay(time.Hour),
		WithCheckInterval(time.Hour),
		WithPingInterval(time.Hour),
		WithRequestTimeout(time.Millisecond),
		WithMaxResendAttempts(1),
	)
	require.NoError(err)

	fc := newFakeConn()
	c, err := NewController(context.Background(), fc, cfg)
	require.NoError(err)
	t.Cleanup(c.Kill)
	activate(t, c)

	var restarts int
	c.OnNeedToRestart(func() { restarts++ })

	c.Send([]int32{0x0e0e}, mtproto.Handlers{}, 0)
	c.SendAnything(0)
	require.Equal(1, c.data.SentCount())

	time.Sleep(5 * time.Millisecond)
	require.True(c.checkRequestsByTimer())

	require.Equal(1, restarts)
	require.Equal(1, fc.restarted)
	require.True(c.stateMgr.State().IsStarting())

	// Reconnecting re-stages everything that was in flight.
	fc.fire(TransportConnected)
	require.True(c.stateMgr.IsActive())
	require.Zero(c.data.SentCount())
	require.Equal(1, c.data.ToSendCount())
}

func TestControllerTimeoutResend(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig(
		WithSendCoalesceDelay(time.Hour),
		WithAckSendDelay(time.Hour),
		WithCheckInterval(time.Hour),
		WithPingInterval(time.Hour),
		WithRequestTimeout(time.Millisecond),
	)
	require.NoError(err)

	fc := newFakeConn()
	c, err := NewController(context.Background(), fc, cfg)
	require.NoError(err)
	t.Cleanup(c.Kill)
	activate(t, c)

	reqID := c.Send([]int32{0x0f0f}, mtproto.Handlers{}, 0)
	c.SendAnything(0)

	time.Sleep(5 * time.Millisecond)
	require.True(c.checkRequestsByTimer())
	require.Equal(RequestStatusQueued, c.RequestStatus(reqID))

	// The next cycle retransmits and queries the old id's delivery status.
	c.SendAnything(0)
	container := fc.batch(1)[0]
	require.Equal(int32(mtproto.IDMsgContainer), container.Body[0])

	inner, err := mtproto.UnpackContainer(mtproto.NewEnvelope(0, 0, container.MsgID, container.SeqNo, container.Body))
	require.NoError(err)

	constructors := make(map[uint32]int)
	for _, m := range inner {
		constructors[m.ConstructorID()]++
	}
	require.Equal(1, constructors[uint32(0x0f0f)])
	require.Equal(1, constructors[mtproto.IDMsgsStateReq])
}

func TestControllerSubmitFailure(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	fc.mu.Lock()
	fc.submitErr = context.DeadlineExceeded
	fc.mu.Unlock()

	reqID := c.Send([]int32{0x1212}, mtproto.Handlers{}, 0)
	c.SendAnything(0)

	// The failed batch goes back into the queue and the connection restarts.
	require.Equal(RequestStatusQueued, c.RequestStatus(reqID))
	require.Equal(1, fc.restarted)
	require.True(c.stateMgr.State().IsStarting())

	fc.mu.Lock()
	fc.submitErr = nil
	fc.mu.Unlock()

	fc.fire(TransportConnected)
	require.True(c.stateMgr.IsActive())

	c.SendAnything(0)
	require.Equal([]int32{0x1212}, fc.lastBatch()[0].Body)
}

func TestControllerKill(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	var failErr *mtproto.RPCError
	c.Send([]int32{0x1010}, mtproto.Handlers{
		OnFail: func(_ mtproto.RequestID, err *mtproto.RPCError) { failErr = err },
	}, 0)

	c.Kill()

	require.True(c.State().IsKilled())
	require.NotNil(failErr)
	require.Equal("SESSION_RESET", failErr.Type)
	require.Equal(1, fc.closed)

	t.Run("kill is idempotent", func(t *testing.T) {
		c.Kill()
		require.Equal(1, fc.closed)
	})

	t.Run("send after kill fails fast", func(t *testing.T) {
		var killedErr *mtproto.RPCError
		reqID := c.Send([]int32{1}, mtproto.Handlers{
			OnFail: func(_ mtproto.RequestID, err *mtproto.RPCError) { killedErr = err },
		}, 0)

		require.Zero(reqID)
		require.NotNil(killedErr)
		require.Equal("SESSION_KILLED", killedErr.Type)
	})

	t.Run("start after kill fails", func(t *testing.T) {
		require.ErrorIs(c.Start(), mtproto.ErrSessionKilled)
	})
}

func TestControllerLifecycle(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)

	require.NoError(c.Start())
	require.Equal(1, fc.opened)
	require.True(c.State().IsStarting())

	// Transport up but no key: the session stays starting.
	fc.fire(TransportConnected)
	require.True(c.State().IsStarting())

	c.NotifyKeyCreated(testAuthKey(3))
	require.True(c.State().IsActive())

	c.Stop()
	require.True(c.State().IsStopped())
	require.Equal(1, fc.closed)
	fc.fire(TransportDisconnected)

	// Stop preserves state; Start resumes.
	require.NoError(c.Start())
	fc.fire(TransportConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.WaitState(ctx, ActiveState))
}

func TestControllerTransportLossRestarts(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	fc.fire(TransportDisconnected)
	require.Equal(1, fc.restarted)
	require.True(c.State().IsStarting())

	fc.fire(TransportConnected)
	require.True(c.State().IsActive())
}

func TestControllerNotifications(t *testing.T) {
	require := require.New(t)

	c, _ := newTestController(t)
	activate(t, c)

	var (
		mu      sync.Mutex
		sends   int
		keyEvts int
	)
	c.OnNeedToSend(func() { mu.Lock(); sends++; mu.Unlock() })
	c.OnAuthKeyCreated(func() { mu.Lock(); keyEvts++; mu.Unlock() })

	c.Send([]int32{1}, mtproto.Handlers{}, 0)
	c.Send([]int32{2}, mtproto.Handlers{}, 0)
	c.NotifyKeyCreated(testAuthKey(9))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(2, sends)
	require.Equal(1, keyEvts)
}

func TestControllerMsgsStateQuery(t *testing.T) {
	require := require.New(t)

	c, fc := newTestController(t)
	activate(t, c)

	// A server query about ids we have and have not seen.
	seen := mtproto.GenerateMsgID()
	fc.deliver(mtproto.NewEnvelope(0, 0, seen, 0, []int32{0x7fee0002}))
	c.TryToReceive()

	unseen := mtproto.GenerateMsgID()
	query := mtproto.AppendMsgIDVector([]int32{int32(mtproto.IDMsgsStateReq)}, []mtproto.MsgID{seen, unseen}) //nolint:gosec
	fc.deliver(mtproto.NewEnvelope(0, 0, mtproto.GenerateMsgID(), 0, query))
	c.TryToReceive()

	info := fc.lastBatch()[0]
	require.Equal(int32(mtproto.IDMsgsStateInfo), info.Body[0])

	status, _, err := mtproto.ReadTLString(info.Body, 3)
	require.NoError(err)
	require.Equal([]byte{4, 1}, []byte(status))
}
