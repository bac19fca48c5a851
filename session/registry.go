package session

import (
	"sort"

	"github.com/john-rice/tdesktop/logger"
	"github.com/john-rice/tdesktop/mtproto"
)

// DefaultReceivedIDsCapacity is the default bound on the number of inbound
// message ids remembered for duplicate and replay detection. The exact value
// is a memory/window trade-off, not semantically load-bearing.
const DefaultReceivedIDsCapacity = 400

// MsgIDState is the tri-state result of a registry lookup.
type MsgIDState int

const (
	// MsgIDNotFound means the id has not been seen (or was already evicted).
	MsgIDNotFound MsgIDState = iota
	// MsgIDNeedsAck means the id was seen and its message required acknowledgment.
	MsgIDNeedsAck
	// MsgIDNoAckNeeded means the id was seen and its message did not require acknowledgment.
	MsgIDNoAckNeeded
)

// ReceivedMsgIDs is a capacity-bounded dedup set remembering which inbound
// message ids have been seen and whether each required acknowledgment.
//
// It is not internally synchronized; SessionData guards it with the
// received-ids group lock.
type ReceivedMsgIDs struct {
	capacity int
	logger   logger.Logger
	idsAck   map[mtproto.MsgID]bool
}

// NewReceivedMsgIDs creates a registry bounded to capacity entries. A
// capacity <= 0 falls back to DefaultReceivedIDsCapacity.
func NewReceivedMsgIDs(capacity int, l logger.Logger) *ReceivedMsgIDs {
	if capacity <= 0 {
		capacity = DefaultReceivedIDsCapacity
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &ReceivedMsgIDs{
		capacity: capacity,
		logger:   l,
		idsAck:   make(map[mtproto.MsgID]bool, capacity),
	}
}

// Register records msgID unless it is a duplicate, or the registry is full
// and the id is older than the eviction horizon (id <= current minimum).
// It returns false in both rejection cases without distinguishing them; the
// caller treats either as "drop silently". Accepting may transiently exceed
// capacity until the next Shrink.
func (r *ReceivedMsgIDs) Register(msgID mtproto.MsgID, needAck bool) bool {
	if _, ok := r.idsAck[msgID]; ok {
		r.logger.Debug("no need to handle, msg id already registered", "msg_id", msgID)
		return false
	}

	if len(r.idsAck) < r.capacity || msgID > r.Min() {
		r.idsAck[msgID] = needAck
		return true
	}

	r.logger.Debug("no need to handle, msg id below eviction horizon", "msg_id", msgID, "min", r.Min())

	return false
}

// Min returns the smallest tracked id, or 0 when the registry is empty.
func (r *ReceivedMsgIDs) Min() mtproto.MsgID {
	var minID mtproto.MsgID
	for id := range r.idsAck {
		if minID == 0 || id < minID {
			minID = id
		}
	}
	return minID
}

// Max returns the largest tracked id, or 0 when the registry is empty.
func (r *ReceivedMsgIDs) Max() mtproto.MsgID {
	var maxID mtproto.MsgID
	for id := range r.idsAck {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Shrink evicts the oldest entries until the size is within capacity. It is
// invoked periodically rather than on every insert, so bursts may transiently
// exceed capacity.
func (r *ReceivedMsgIDs) Shrink() {
	excess := len(r.idsAck) - r.capacity
	if excess <= 0 {
		return
	}

	ids := make([]mtproto.MsgID, 0, len(r.idsAck))
	for id := range r.idsAck {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids[:excess] {
		delete(r.idsAck, id)
	}
}

// Lookup reports whether msgID was seen and whether it required acknowledgment.
func (r *ReceivedMsgIDs) Lookup(msgID mtproto.MsgID) MsgIDState {
	needAck, ok := r.idsAck[msgID]
	switch {
	case !ok:
		return MsgIDNotFound
	case needAck:
		return MsgIDNeedsAck
	default:
		return MsgIDNoAckNeeded
	}
}

// Size returns the number of tracked ids.
func (r *ReceivedMsgIDs) Size() int {
	return len(r.idsAck)
}

// Clear drops all entries. Used on session reset.
func (r *ReceivedMsgIDs) Clear() {
	clear(r.idsAck)
}
