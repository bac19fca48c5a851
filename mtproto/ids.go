package mtproto

import (
	"sync"
	"sync/atomic"
	"time"
)

// MsgID is a unique, time-ordered identifier assigned per transmitted or
// received message. The high 32 bits carry the unix time of creation; client
// generated ids are divisible by 4, which the protocol requires to tell client
// messages apart from server responses.
type MsgID uint64

// RequestID identifies a request submitted through a session, before a
// message id is assigned for transmission. It is never 0.
type RequestID int32

// msgIDGenerator generates unique, strictly increasing message IDs.
//
// Ids are derived from the wall clock and adjusted atomically so that two
// concurrent calls never observe the same or a decreasing value, even when
// the clock stands still or steps backwards.
type msgIDGenerator struct {
	last atomic.Uint64
}

func (g *msgIDGenerator) genID() MsgID {
	now := time.Now()
	id := uint64(now.Unix())<<32 | uint64(now.Nanosecond())&^uint64(3)

	for {
		last := g.last.Load()
		if id <= last {
			id = last + 4
		}
		if g.last.CompareAndSwap(last, id) {
			return MsgID(id)
		}
	}
}

var (
	msgIDGenInst = &msgIDGenerator{}
	msgIDGenOnce sync.Once
)

func getMsgIDGenerator() *msgIDGenerator {
	msgIDGenOnce.Do(func() {
		msgIDGenInst.last.Store(uint64(time.Now().Unix()) << 32)
	})
	return msgIDGenInst
}

// GenerateMsgID returns a unique, monotonically increasing message id.
func GenerateMsgID() MsgID {
	return getMsgIDGenerator().genID()
}

var requestIDCounter atomic.Int32

// NextRequestID returns the next request id. It skips 0, which is reserved
// as the "no request" value.
func NextRequestID() RequestID {
	for {
		id := requestIDCounter.Add(1)
		if id != 0 {
			return RequestID(id)
		}
	}
}
