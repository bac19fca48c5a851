package session

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/john-rice/tdesktop/internal/queue"
	"github.com/john-rice/tdesktop/logger"
	"github.com/john-rice/tdesktop/mtproto"
)

// dataOwner is the non-owning back-reference from SessionData to its
// controller. It is used only to delegate the shared key-lock lookup and to
// report aborted requests on Clear, never for lifetime management.
type dataOwner interface {
	keyLock() *sync.RWMutex
	pendingAborted(requestIDs []mtproto.RequestID)
}

// SessionData is the concurrency-safe authoritative store of one session's
// mutable protocol state. State is partitioned into independently-lockable
// groups so unrelated operations never contend:
//
//   - identity group: session id, salt, message-sent counter
//   - key group: auth key, key-checked and layer-inited flags
//   - toSend: requests waiting to be sent, keyed by request id
//   - haveSent: in-flight requests, keyed by message id
//   - toResend: message id -> request id for requests re-staged for retransmission
//   - wereAcked: message id -> request id for acknowledged or answered requests
//   - receivedIDs: the inbound dedup registry
//   - stateRequest: message ids whose delivery status must be queried
//   - received buffers: responses and updates awaiting the application drain
//
// Each group allows concurrent readers and a single exclusive writer. No
// group's lock is held across another group's access or across a network call.
type SessionData struct {
	owner dataOwner

	identityMu   sync.RWMutex
	sessionID    uint64
	salt         uint64
	messagesSent uint32

	keyMu       sync.RWMutex
	authKey     *mtproto.AuthKey
	keyChecked  bool
	layerInited bool

	toSendMu sync.RWMutex
	toSend   map[mtproto.RequestID]*mtproto.Request

	haveSentMu sync.RWMutex
	haveSent   map[mtproto.MsgID]*mtproto.Request

	toResendMu sync.RWMutex
	toResend   map[mtproto.MsgID]mtproto.RequestID

	wereAckedMu sync.RWMutex
	wereAcked   map[mtproto.MsgID]mtproto.RequestID

	receivedIDsMu sync.RWMutex
	receivedIDs   *ReceivedMsgIDs

	stateRequestMu sync.RWMutex
	stateRequest   map[mtproto.MsgID]struct{}

	haveReceivedMu    sync.RWMutex
	receivedResponses map[mtproto.RequestID]mtproto.SerializedMessage
	receivedUpdates   queue.Queue[mtproto.SerializedMessage]

	logger logger.Logger
}

// NewSessionData creates the state store for one session. owner is the
// controlling session; receivedIDsCapacity bounds the dedup registry.
func NewSessionData(owner dataOwner, receivedIDsCapacity int, l logger.Logger) *SessionData {
	if l == nil {
		l = logger.GetLogger()
	}

	return &SessionData{
		owner:             owner,
		toSend:            make(map[mtproto.RequestID]*mtproto.Request),
		haveSent:          make(map[mtproto.MsgID]*mtproto.Request),
		toResend:          make(map[mtproto.MsgID]mtproto.RequestID),
		wereAcked:         make(map[mtproto.MsgID]mtproto.RequestID),
		receivedIDs:       NewReceivedMsgIDs(receivedIDsCapacity, l),
		stateRequest:      make(map[mtproto.MsgID]struct{}),
		receivedResponses: make(map[mtproto.RequestID]mtproto.SerializedMessage),
		receivedUpdates:   queue.NewSliceQueue[mtproto.SerializedMessage](16),
		logger:            l,
	}
}

// KeyLock returns the read-write lock guarding key replacement toward this
// session's endpoint. The lock is shared by all sessions toward the endpoint
// and owned by the controller.
func (d *SessionData) KeyLock() *sync.RWMutex {
	return d.owner.keyLock()
}

// SessionID returns the current server session id.
func (d *SessionData) SessionID() uint64 {
	d.identityMu.RLock()
	defer d.identityMu.RUnlock()

	return d.sessionID
}

// SetSessionID installs a server session id. Changing the id resets the
// message-sent counter, since sequence numbers are scoped to a session.
func (d *SessionData) SetSessionID(sessionID uint64) {
	d.logger.Debug("setting server session", "session_id", sessionID)

	d.identityMu.Lock()
	defer d.identityMu.Unlock()

	if d.sessionID != sessionID {
		d.sessionID = sessionID
		d.messagesSent = 0
	}
}

// Salt returns the current server salt.
func (d *SessionData) Salt() uint64 {
	d.identityMu.RLock()
	defer d.identityMu.RUnlock()

	return d.salt
}

// SetSalt installs a server salt.
func (d *SessionData) SetSalt(salt uint64) {
	d.identityMu.Lock()
	defer d.identityMu.Unlock()

	d.salt = salt
}

// MessagesSent returns the current value of the ack-tracked message counter.
func (d *SessionData) MessagesSent() uint32 {
	d.identityMu.RLock()
	defer d.identityMu.RUnlock()

	return d.messagesSent
}

// NextRequestSeqNumber issues the sequence number for the next outgoing
// message. The low bit encodes the "needs ack" flag; only ack-required
// messages advance the counter, so fire-and-forget messages never perturb
// the ordering of acknowledgment-tracked ones.
func (d *SessionData) NextRequestSeqNumber(needAck bool) uint32 {
	d.identityMu.Lock()
	defer d.identityMu.Unlock()

	result := d.messagesSent
	if needAck {
		d.messagesSent++
		return result*2 + 1
	}

	return result * 2
}

// Key returns the current auth key, or nil when none is installed.
func (d *SessionData) Key() *mtproto.AuthKey {
	d.keyMu.RLock()
	defer d.keyMu.RUnlock()

	return d.authKey
}

// SetKey installs an auth key. Installing a key different from the current
// one generates a fresh random session id, zeroes the message counter and
// clears the layer-inited flag: a new key denotes a logically new session
// with the server, even over the same transport. Installing the identical
// key is a no-op.
func (d *SessionData) SetKey(key *mtproto.AuthKey) {
	d.keyMu.Lock()
	if d.authKey.Equal(key) {
		d.keyMu.Unlock()
		return
	}

	d.authKey = key
	d.layerInited = false
	d.keyMu.Unlock()

	sessionID := randUint64()
	d.logger.Debug("new auth key set", "key_id", key.ID(), "session_id", sessionID)

	d.identityMu.Lock()
	if d.sessionID != sessionID {
		d.sessionID = sessionID
		d.messagesSent = 0
	}
	d.identityMu.Unlock()
}

// KeyChecked reports whether the current key has been verified with the server.
func (d *SessionData) KeyChecked() bool {
	d.keyMu.RLock()
	defer d.keyMu.RUnlock()

	return d.keyChecked
}

// SetKeyChecked records whether the current key has been verified.
func (d *SessionData) SetKeyChecked(checked bool) {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()

	d.keyChecked = checked
}

// LayerInited reports whether application-layer negotiation has completed
// for the current key.
func (d *SessionData) LayerInited() bool {
	d.keyMu.RLock()
	defer d.keyMu.RUnlock()

	return d.layerInited
}

// SetLayerInited records whether application-layer negotiation has completed.
func (d *SessionData) SetLayerInited(inited bool) {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()

	d.layerInited = inited
}

// EnqueueToSend places a request into the pending-send queue.
func (d *SessionData) EnqueueToSend(req *mtproto.Request) {
	d.toSendMu.Lock()
	defer d.toSendMu.Unlock()

	d.toSend[req.ID] = req
}

// RemoveToSend removes and returns a pending request, or nil if absent.
func (d *SessionData) RemoveToSend(requestID mtproto.RequestID) *mtproto.Request {
	d.toSendMu.Lock()
	defer d.toSendMu.Unlock()

	req := d.toSend[requestID]
	delete(d.toSend, requestID)

	return req
}

// DrainToSend removes and returns all pending requests in submission order
// (request ids are issued monotonically).
func (d *SessionData) DrainToSend() []*mtproto.Request {
	d.toSendMu.Lock()
	defer d.toSendMu.Unlock()

	if len(d.toSend) == 0 {
		return nil
	}

	reqs := make([]*mtproto.Request, 0, len(d.toSend))
	for _, req := range d.toSend {
		reqs = append(reqs, req)
	}
	clear(d.toSend)

	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })

	return reqs
}

// ToSendCount returns the number of pending requests.
func (d *SessionData) ToSendCount() int {
	d.toSendMu.RLock()
	defer d.toSendMu.RUnlock()

	return len(d.toSend)
}

// StoreSent records an in-flight request under its assigned message id.
func (d *SessionData) StoreSent(req *mtproto.Request) {
	d.haveSentMu.Lock()
	defer d.haveSentMu.Unlock()

	d.haveSent[req.MsgID] = req
}

// TakeSent removes and returns the in-flight request for msgID.
func (d *SessionData) TakeSent(msgID mtproto.MsgID) (*mtproto.Request, bool) {
	d.haveSentMu.Lock()
	defer d.haveSentMu.Unlock()

	req, ok := d.haveSent[msgID]
	if ok {
		delete(d.haveSent, msgID)
	}

	return req, ok
}

// SentSnapshot returns the in-flight requests at the time of the call.
func (d *SessionData) SentSnapshot() []*mtproto.Request {
	d.haveSentMu.RLock()
	defer d.haveSentMu.RUnlock()

	reqs := make([]*mtproto.Request, 0, len(d.haveSent))
	for _, req := range d.haveSent {
		reqs = append(reqs, req)
	}

	return reqs
}

// SentCount returns the number of in-flight requests.
func (d *SessionData) SentCount() int {
	d.haveSentMu.RLock()
	defer d.haveSentMu.RUnlock()

	return len(d.haveSent)
}

// MarkToResend records that the request formerly transmitted as msgID is
// being re-staged for retransmission.
func (d *SessionData) MarkToResend(msgID mtproto.MsgID, requestID mtproto.RequestID) {
	d.toResendMu.Lock()
	defer d.toResendMu.Unlock()

	d.toResend[msgID] = requestID
}

// TakeToResend resolves and removes the re-stage marker for msgID.
func (d *SessionData) TakeToResend(msgID mtproto.MsgID) (mtproto.RequestID, bool) {
	d.toResendMu.Lock()
	defer d.toResendMu.Unlock()

	requestID, ok := d.toResend[msgID]
	if ok {
		delete(d.toResend, msgID)
	}

	return requestID, ok
}

// ClearToResend removes all re-stage markers pointing at requestID.
func (d *SessionData) ClearToResend(requestID mtproto.RequestID) {
	d.toResendMu.Lock()
	defer d.toResendMu.Unlock()

	for msgID, reqID := range d.toResend {
		if reqID == requestID {
			delete(d.toResend, msgID)
		}
	}
}

// ToResendCount returns the number of re-stage markers.
func (d *SessionData) ToResendCount() int {
	d.toResendMu.RLock()
	defer d.toResendMu.RUnlock()

	return len(d.toResend)
}

// MarkAcked records that msgID has been acknowledged or answered.
func (d *SessionData) MarkAcked(msgID mtproto.MsgID, requestID mtproto.RequestID) {
	d.wereAckedMu.Lock()
	defer d.wereAckedMu.Unlock()

	d.wereAcked[msgID] = requestID
}

// AckedRequestID resolves the request id recorded for an acknowledged msgID.
func (d *SessionData) AckedRequestID(msgID mtproto.MsgID) (mtproto.RequestID, bool) {
	d.wereAckedMu.RLock()
	defer d.wereAckedMu.RUnlock()

	requestID, ok := d.wereAcked[msgID]

	return requestID, ok
}

// AckedCount returns the number of acknowledged message ids still tracked.
func (d *SessionData) AckedCount() int {
	d.wereAckedMu.RLock()
	defer d.wereAckedMu.RUnlock()

	return len(d.wereAcked)
}

// RegisterReceivedID records an inbound message id in the dedup registry.
// It returns false for duplicates and for stale ids alike.
func (d *SessionData) RegisterReceivedID(msgID mtproto.MsgID, needAck bool) bool {
	d.receivedIDsMu.Lock()
	defer d.receivedIDsMu.Unlock()

	return d.receivedIDs.Register(msgID, needAck)
}

// ReceivedIDLookup reports the recorded state of an inbound message id.
func (d *SessionData) ReceivedIDLookup(msgID mtproto.MsgID) MsgIDState {
	d.receivedIDsMu.RLock()
	defer d.receivedIDsMu.RUnlock()

	return d.receivedIDs.Lookup(msgID)
}

// ShrinkReceivedIDs evicts the oldest registry entries down to capacity.
func (d *SessionData) ShrinkReceivedIDs() {
	d.receivedIDsMu.Lock()
	defer d.receivedIDsMu.Unlock()

	d.receivedIDs.Shrink()
}

// ReceivedIDsSize returns the number of tracked inbound ids.
func (d *SessionData) ReceivedIDsSize() int {
	d.receivedIDsMu.RLock()
	defer d.receivedIDsMu.RUnlock()

	return d.receivedIDs.Size()
}

// AddStateRequest records a message id whose delivery status must be queried
// on the next send cycle.
func (d *SessionData) AddStateRequest(msgID mtproto.MsgID) {
	d.stateRequestMu.Lock()
	defer d.stateRequestMu.Unlock()

	d.stateRequest[msgID] = struct{}{}
}

// DrainStateRequests removes and returns all pending state-request ids.
func (d *SessionData) DrainStateRequests() []mtproto.MsgID {
	d.stateRequestMu.Lock()
	defer d.stateRequestMu.Unlock()

	if len(d.stateRequest) == 0 {
		return nil
	}

	ids := make([]mtproto.MsgID, 0, len(d.stateRequest))
	for id := range d.stateRequest {
		ids = append(ids, id)
	}
	clear(d.stateRequest)

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// PushResponse buffers a response payload for the application drain.
func (d *SessionData) PushResponse(requestID mtproto.RequestID, response mtproto.SerializedMessage) {
	d.haveReceivedMu.Lock()
	defer d.haveReceivedMu.Unlock()

	d.receivedResponses[requestID] = response
}

// ReceivedResponse holds one buffered response awaiting dispatch.
type ReceivedResponse struct {
	RequestID mtproto.RequestID
	Response  mtproto.SerializedMessage
}

// DrainResponses removes and returns all buffered responses, ordered by
// request id.
func (d *SessionData) DrainResponses() []ReceivedResponse {
	d.haveReceivedMu.Lock()
	defer d.haveReceivedMu.Unlock()

	if len(d.receivedResponses) == 0 {
		return nil
	}

	responses := make([]ReceivedResponse, 0, len(d.receivedResponses))
	for requestID, response := range d.receivedResponses {
		responses = append(responses, ReceivedResponse{RequestID: requestID, Response: response})
	}
	clear(d.receivedResponses)

	sort.Slice(responses, func(i, j int) bool { return responses[i].RequestID < responses[j].RequestID })

	return responses
}

// PushUpdate buffers an update payload for the application drain.
func (d *SessionData) PushUpdate(update mtproto.SerializedMessage) {
	d.haveReceivedMu.Lock()
	defer d.haveReceivedMu.Unlock()

	d.receivedUpdates.Enqueue(update)
}

// DrainUpdates removes and returns all buffered updates in arrival order.
func (d *SessionData) DrainUpdates() []mtproto.SerializedMessage {
	d.haveReceivedMu.Lock()
	defer d.haveReceivedMu.Unlock()

	return d.receivedUpdates.Drain()
}

// HaveReceived reports whether any responses or updates are buffered.
func (d *SessionData) HaveReceived() bool {
	d.haveReceivedMu.RLock()
	defer d.haveReceivedMu.RUnlock()

	return len(d.receivedResponses) > 0 || !d.receivedUpdates.IsEmpty()
}

// RequestStatus describes where a request currently sits in the pipeline.
type RequestStatus int

const (
	// RequestStatusUnknown means the request is not tracked: it was never
	// submitted, was cancelled, or has been fully dispatched.
	RequestStatusUnknown RequestStatus = iota
	// RequestStatusQueued means the request awaits the next send cycle.
	RequestStatusQueued
	// RequestStatusSent means the request is in flight, awaiting
	// acknowledgment or a response.
	RequestStatusSent
	// RequestStatusAcked means the request was acknowledged or answered.
	RequestStatusAcked
)

// RequestStatus reports the pipeline position of a request.
func (d *SessionData) RequestStatus(requestID mtproto.RequestID) RequestStatus {
	d.toSendMu.RLock()
	_, queued := d.toSend[requestID]
	d.toSendMu.RUnlock()
	if queued {
		return RequestStatusQueued
	}

	d.haveSentMu.RLock()
	for _, req := range d.haveSent {
		if req.ID == requestID {
			d.haveSentMu.RUnlock()
			return RequestStatusSent
		}
	}
	d.haveSentMu.RUnlock()

	d.wereAckedMu.RLock()
	defer d.wereAckedMu.RUnlock()
	for _, reqID := range d.wereAcked {
		if reqID == requestID {
			return RequestStatusAcked
		}
	}

	return RequestStatusUnknown
}

// Clear empties every group and reports the dropped request ids to the owner
// so callers awaiting a still-pending request are failed with a session-reset
// condition rather than left hanging. The owner is notified after all locks
// are released.
func (d *SessionData) Clear() {
	aborted := make(map[mtproto.RequestID]struct{})

	d.toSendMu.Lock()
	for requestID := range d.toSend {
		aborted[requestID] = struct{}{}
	}
	clear(d.toSend)
	d.toSendMu.Unlock()

	d.haveSentMu.Lock()
	for _, req := range d.haveSent {
		aborted[req.ID] = struct{}{}
	}
	clear(d.haveSent)
	d.haveSentMu.Unlock()

	d.toResendMu.Lock()
	for _, requestID := range d.toResend {
		aborted[requestID] = struct{}{}
	}
	clear(d.toResend)
	d.toResendMu.Unlock()

	d.wereAckedMu.Lock()
	clear(d.wereAcked)
	d.wereAckedMu.Unlock()

	d.receivedIDsMu.Lock()
	d.receivedIDs.Clear()
	d.receivedIDsMu.Unlock()

	d.stateRequestMu.Lock()
	clear(d.stateRequest)
	d.stateRequestMu.Unlock()

	d.haveReceivedMu.Lock()
	clear(d.receivedResponses)
	d.receivedUpdates.Reset()
	d.haveReceivedMu.Unlock()

	if d.owner == nil || len(aborted) == 0 {
		return
	}

	requestIDs := make([]mtproto.RequestID, 0, len(aborted))
	for requestID := range aborted {
		requestIDs = append(requestIDs, requestID)
	}
	sort.Slice(requestIDs, func(i, j int) bool { return requestIDs[i] < requestIDs[j] })

	d.owner.pendingAborted(requestIDs)
}

// randUint64 returns a cryptographically random 64-bit value.
func randUint64() uint64 {
	var buf [8]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return uint64(mtproto.GenerateMsgID())
	}
	return binary.LittleEndian.Uint64(buf[:])
}
