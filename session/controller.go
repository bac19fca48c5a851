package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/john-rice/tdesktop/internal/pool"
	"github.com/john-rice/tdesktop/logger"
	"github.com/john-rice/tdesktop/mtproto"
)

// NotifyHandler is invoked on session lifecycle notifications such as "a new
// auth key was created" or "the session needs a restart".
type NotifyHandler func()

// Controller orchestrates one session toward one endpoint: it accepts request
// submissions, runs the periodic send cycle that assigns transmit ids and
// builds containers, pumps inbound messages off the connection, and drives
// retries and timeouts.
//
// Completion callbacks fire from DispatchReceived, which the application calls
// from its own context; the I/O pump only classifies and buffers.
type Controller struct {
	cfg    *Config
	logger logger.Logger

	connMu sync.Mutex
	conn   Connection
	connID string

	data     *SessionData
	stateMgr *StateMgr
	taskMgr  *mtproto.TaskManager

	ctx    context.Context
	cancel context.CancelFunc

	sharedKeyLock *sync.RWMutex

	// handlers maps request ids to their completion callbacks. An entry is
	// removed exactly once: on dispatch, on failure, or on cancel.
	handlers *xsync.MapOf[mtproto.RequestID, mtproto.Handlers]

	// stateReqs maps the message id of an outgoing msgs_state_req to the ids
	// it queried, so the msgs_state_info reply can resolve them.
	stateReqs *xsync.MapOf[mtproto.MsgID, []mtproto.MsgID]

	ackMu    sync.Mutex
	ackQueue []mtproto.MsgID

	sendWake chan time.Duration

	killed         atomic.Bool
	connected      atomic.Bool
	tasksRunning   atomic.Bool
	forceContainer atomic.Bool
	resendAllNext  atomic.Bool

	notifyMu         sync.RWMutex
	onAuthKeyCreated []NotifyHandler
	onNeedToSend     []NotifyHandler
	onNeedToPing     []NotifyHandler
	onNeedToRestart  []NotifyHandler
}

// NewController creates a session controller over conn. A nil cfg gets
// defaults. The controller starts in StoppedState; call Start to open the
// connection.
func NewController(ctx context.Context, conn Connection, cfg *Config) (*Controller, error) {
	if conn == nil {
		return nil, mtproto.ErrConnNil
	}

	if cfg == nil {
		var err error
		cfg, err = NewConfig()
		if err != nil {
			return nil, err
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c := &Controller{
		cfg:       cfg,
		logger:    cfg.Logger(),
		conn:      conn,
		handlers:  xsync.NewMapOf[mtproto.RequestID, mtproto.Handlers](),
		stateReqs: xsync.NewMapOf[mtproto.MsgID, []mtproto.MsgID](),
		sendWake:  make(chan time.Duration, 16),
	}

	c.sharedKeyLock = cfg.keyLock
	if c.sharedKeyLock == nil {
		c.sharedKeyLock = &sync.RWMutex{}
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.data = NewSessionData(c, cfg.ReceivedIDsCapacity(), c.logger)
	c.stateMgr = NewStateMgr(c.ctx, c.logger)
	c.taskMgr = mtproto.NewTaskManager(c.ctx, c.logger)

	conn.AddStateHandler(c.onTransportStateChange)

	go c.senderTask()

	return c, nil
}

// keyLock implements dataOwner.
func (c *Controller) keyLock() *sync.RWMutex {
	return c.sharedKeyLock
}

// pendingAborted implements dataOwner: requests dropped by a state clear fail
// their callers instead of hanging.
func (c *Controller) pendingAborted(requestIDs []mtproto.RequestID) {
	for _, requestID := range requestIDs {
		handlers, ok := c.handlers.LoadAndDelete(requestID)
		if !ok || handlers.OnFail == nil {
			continue
		}
		handlers.OnFail(requestID, mtproto.NewRPCClientError("SESSION_RESET", mtproto.ErrSessionReset.Error()))
	}
}

// Data returns the session's state store.
func (c *Controller) Data() *SessionData {
	return c.data
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.stateMgr.State()
}

// WaitState blocks until the session reaches the given lifecycle state or ctx
// is done.
func (c *Controller) WaitState(ctx context.Context, state State) error {
	return c.stateMgr.WaitState(ctx, state)
}

// Transport returns a diagnostic description of the underlying transport and
// the current connection attempt.
func (c *Controller) Transport() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connID == "" {
		return c.conn.Transport()
	}

	return fmt.Sprintf("%s (conn %s)", c.conn.Transport(), c.connID)
}

// Start opens the connection and begins the receive pump and the periodic
// timers. Request state queued while stopped is preserved. No-op on an
// already-active session.
func (c *Controller) Start() error {
	if c.stateMgr.IsKilled() {
		return mtproto.ErrSessionKilled
	}

	if c.stateMgr.State().IsActive() {
		return nil
	}

	if err := c.stateMgr.ToStarting(); err != nil {
		return err
	}

	c.connMu.Lock()
	c.connID = uuid.NewString()
	connID := c.connID
	c.connMu.Unlock()

	c.logger.Debug("starting session", "conn_id", connID, "transport", c.conn.Transport())

	if err := c.conn.Open(); err != nil {
		return fmt.Errorf("open connection: %w", err)
	}

	c.startTasks()

	return nil
}

// Restart tears down and reopens the connection, preserving queued and
// in-flight request state. Everything in flight is re-staged once the session
// becomes active again.
func (c *Controller) Restart() error {
	if c.stateMgr.IsKilled() {
		return mtproto.ErrSessionKilled
	}

	if c.stateMgr.State().IsStopped() {
		return c.Start()
	}

	if err := c.stateMgr.ToRestarting(); err != nil {
		return err
	}

	c.resendAllNext.Store(true)
	c.notifyAll(c.notifySnapshot(&c.onNeedToRestart))

	c.connMu.Lock()
	c.connID = uuid.NewString()
	connID := c.connID
	c.connMu.Unlock()

	c.logger.Info("restarting session", "conn_id", connID)

	if err := c.stateMgr.ToStarting(); err != nil {
		return err
	}

	if err := c.conn.Restart(); err != nil {
		return fmt.Errorf("restart connection: %w", err)
	}

	return nil
}

// Stop closes the connection and stops the session's goroutines. Request
// state is preserved; a later Start resumes where the session left off.
func (c *Controller) Stop() {
	if c.stateMgr.IsKilled() {
		return
	}

	c.logger.Debug("stopping session")

	_ = c.stateMgr.ToStopped()
	c.stopTasks()

	if err := c.conn.Close(); err != nil {
		c.logger.Warn("close connection", "error", err)
	}
}

// Kill terminally destroys the session: the connection is released first, then
// all request state is cleared, failing pending callers. Kill is idempotent
// and safe to call from any context.
func (c *Controller) Kill() {
	if !c.killed.CompareAndSwap(false, true) {
		return
	}

	c.logger.Debug("killing session")

	// Release the connection before clearing state so a late transport
	// callback cannot race the teardown.
	c.taskMgr.Stop()
	c.tasksRunning.Store(false)

	if err := c.conn.Close(); err != nil {
		c.logger.Warn("close connection", "error", err)
	}

	c.data.Clear()
	c.handlers.Clear()
	c.stateReqs.Clear()

	c.ackMu.Lock()
	c.ackQueue = nil
	c.ackMu.Unlock()

	c.stateMgr.ToKilled()
	c.cancel()
}

// Send submits a request body for transmission and returns its request id.
// handlers fire from DispatchReceived once the response or failure arrives.
// msCanWait hints how long the request may be coalesced with others; zero
// means "as soon as possible".
func (c *Controller) Send(body []int32, handlers mtproto.Handlers, msCanWait time.Duration) mtproto.RequestID {
	return c.SendOpts(body, handlers, msCanWait, SendOptions{})
}

// SendOptions carries the less common submission knobs.
type SendOptions struct {
	// NeedsLayer requires layer negotiation data to precede the request when
	// the layer is not initialized yet.
	NeedsLayer bool

	// ToMainDC routes the request to the main datacenter.
	ToMainDC bool

	// After names a request that must complete before this one is sent.
	After mtproto.RequestID

	// NoAck marks a fire-and-forget payload.
	NoAck bool
}

// SendOpts is Send with explicit options.
func (c *Controller) SendOpts(body []int32, handlers mtproto.Handlers, msCanWait time.Duration, opts SendOptions) mtproto.RequestID {
	if c.stateMgr.IsKilled() {
		if handlers.OnFail != nil {
			handlers.OnFail(0, mtproto.NewRPCClientError("SESSION_KILLED", mtproto.ErrSessionKilled.Error()))
		}
		return 0
	}

	req := mtproto.NewRequest(body)
	req.MsCanWait = msCanWait
	req.NeedsLayer = opts.NeedsLayer
	req.ToMainDC = opts.ToMainDC
	req.After = opts.After
	req.NoAck = opts.NoAck

	if handlers.OnDone != nil || handlers.OnFail != nil {
		c.handlers.Store(req.ID, handlers)
	}

	c.data.EnqueueToSend(req)
	c.logger.Debug("request queued", "request_id", req.ID, "can_wait", msCanWait)

	c.notifyAll(c.notifySnapshot(&c.onNeedToSend))
	c.scheduleSend(msCanWait)

	return req.ID
}

// SendPrepared re-queues an already-constructed request, optionally forcing
// fresh transmit ids.
func (c *Controller) SendPrepared(req *mtproto.Request, msCanWait time.Duration, newRequest bool) {
	if newRequest {
		req.ResetTransmitIDs()
	}
	req.MsCanWait = msCanWait

	c.data.EnqueueToSend(req)
	c.scheduleSend(msCanWait)
}

// SendAnything forces a send cycle. A non-positive wait runs the cycle
// synchronously; otherwise the cycle is scheduled after at most msCanWait.
// An empty cycle still flushes pending acknowledgments.
func (c *Controller) SendAnything(msCanWait time.Duration) {
	if msCanWait <= 0 {
		c.sendPending()
		return
	}
	c.scheduleSend(msCanWait)
}

// Ping submits a keepalive ping. Pings are fire-and-forget: they carry
// non-ack sequence numbers but are tracked in flight so the pong (or its
// absence) is observed.
func (c *Controller) Ping() mtproto.RequestID {
	if c.stateMgr.IsKilled() {
		return 0
	}

	body := mtproto.AppendUint64([]int32{int32(mtproto.IDPing)}, randUint64()) //nolint:gosec
	req := mtproto.NewRequest(body)
	req.NoAck = true

	c.data.EnqueueToSend(req)
	c.scheduleSend(0)

	return req.ID
}

// CancelRequest abandons a request: its callbacks are unregistered and its
// queued or re-staged state removed. A response arriving later is dropped
// silently. Either id may be zero when unknown.
func (c *Controller) CancelRequest(requestID mtproto.RequestID, msgID mtproto.MsgID) {
	c.logger.Debug("cancelling request", "request_id", requestID, "msg_id", msgID)

	if requestID != 0 {
		c.handlers.Delete(requestID)
		c.data.RemoveToSend(requestID)
		c.data.ClearToResend(requestID)
	}
	if msgID != 0 {
		if req, ok := c.data.TakeSent(msgID); ok && requestID == 0 {
			c.handlers.Delete(req.ID)
			c.data.ClearToResend(req.ID)
		}
	}
}

// RequestStatus reports where a request currently sits in the pipeline.
func (c *Controller) RequestStatus(requestID mtproto.RequestID) RequestStatus {
	return c.data.RequestStatus(requestID)
}

// Resend re-stages the in-flight request transmitted as msgID for a fresh
// transmission with new transmit ids. forceContainer wraps the next cycle in
// a container even for a single message; sendMsgStateInfo additionally queries
// the server for the delivery status of the old message id. Returns the
// request id, or 0 when msgID is not in flight.
func (c *Controller) Resend(msgID mtproto.MsgID, msCanWait time.Duration, forceContainer, sendMsgStateInfo bool) mtproto.RequestID {
	req, ok := c.data.TakeSent(msgID)
	if !ok {
		return 0
	}

	c.logger.Debug("resending message", "msg_id", msgID, "request_id", req.ID)

	c.data.MarkToResend(msgID, req.ID)
	req.ResetTransmitIDs()
	c.data.EnqueueToSend(req)

	if sendMsgStateInfo {
		c.data.AddStateRequest(msgID)
	}
	if forceContainer {
		c.forceContainer.Store(true)
	}

	c.scheduleSend(msCanWait)

	return req.ID
}

// ResendMany re-stages several in-flight messages in one batch.
func (c *Controller) ResendMany(msgIDs []mtproto.MsgID, msCanWait time.Duration, forceContainer, sendMsgStateInfo bool) {
	for _, msgID := range msgIDs {
		c.Resend(msgID, msCanWait, forceContainer, sendMsgStateInfo)
	}
}

// ResendAll re-stages every in-flight request exactly once, preserving the
// original payloads and callbacks. Used after reconnecting, when anything sent
// on the old connection may have been lost.
func (c *Controller) ResendAll() {
	reqs := c.data.SentSnapshot()
	if len(reqs) == 0 {
		return
	}

	c.logger.Info("resending all in-flight requests", "count", len(reqs))

	for _, req := range reqs {
		c.Resend(req.MsgID, 0, false, false)
	}
}

// NotifyKeyCreated installs a freshly-negotiated auth key and marks it
// checked. Installing a new key resets the session identity; the session
// becomes active if its transport is already connected.
func (c *Controller) NotifyKeyCreated(key *mtproto.AuthKey) {
	lock := c.keyLock()
	lock.Lock()
	c.data.SetKey(key)
	c.data.SetKeyChecked(true)
	lock.Unlock()

	c.logger.Info("auth key installed", "key_id", key.ID())

	c.notifyAll(c.notifySnapshot(&c.onAuthKeyCreated))
	c.tryActivate()
	c.scheduleSend(0)
}

// DestroyKey discards the current auth key. The session cannot become active
// again until a new key is installed.
func (c *Controller) DestroyKey() {
	lock := c.keyLock()
	lock.Lock()
	c.data.SetKey(nil)
	c.data.SetKeyChecked(false)
	lock.Unlock()

	c.logger.Info("auth key destroyed")
}

// NotifyLayerInited records whether application-layer negotiation completed
// for the current key.
func (c *Controller) NotifyLayerInited(inited bool) {
	c.data.SetLayerInited(inited)
}

// OnAuthKeyCreated registers a handler invoked when a new auth key is installed.
func (c *Controller) OnAuthKeyCreated(h NotifyHandler) { c.addNotify(&c.onAuthKeyCreated, h) }

// OnNeedToSend registers a handler invoked when a request is queued.
func (c *Controller) OnNeedToSend(h NotifyHandler) { c.addNotify(&c.onNeedToSend, h) }

// OnNeedToPing registers a handler invoked when the keepalive timer fires.
func (c *Controller) OnNeedToPing(h NotifyHandler) { c.addNotify(&c.onNeedToPing, h) }

// OnNeedToRestart registers a handler invoked when the session restarts its
// connection.
func (c *Controller) OnNeedToRestart(h NotifyHandler) { c.addNotify(&c.onNeedToRestart, h) }

// DispatchReceived drains the buffered responses and updates. Completion
// callbacks fire here, in the caller's context, exactly once per request.
// Updates (server pushes not tied to any request) are returned to the caller.
// Dispatched messages whose sequence numbers require acknowledgment have their
// acks queued for the next send cycle.
func (c *Controller) DispatchReceived() []mtproto.SerializedMessage {
	for _, r := range c.data.DrainResponses() {
		if mtproto.ResponseNeedsAck(r.Response) {
			c.queueAck(r.Response.MsgID())
		}

		handlers, ok := c.handlers.LoadAndDelete(r.RequestID)
		if !ok {
			// Cancelled before the response arrived.
			c.logger.Debug("dropping response for cancelled request", "request_id", r.RequestID)
			continue
		}

		body := r.Response.Body()
		if rpcErr := extractRPCError(body); rpcErr != nil {
			if handlers.OnFail != nil {
				handlers.OnFail(r.RequestID, rpcErr)
			}
			continue
		}

		if handlers.OnDone != nil {
			handlers.OnDone(r.RequestID, r.Response)
		}
	}

	updates := c.data.DrainUpdates()
	for _, u := range updates {
		if mtproto.ResponseNeedsAck(u) {
			c.queueAck(u.MsgID())
		}
	}

	if pending := c.pendingAckCount(); pending > 0 {
		c.scheduleSend(c.cfg.AckSendDelay())
	}

	return updates
}

// TryToReceive drains whatever inbound messages are immediately available
// without blocking. Useful for tests and for callers that poll instead of
// relying on the receive pump.
func (c *Controller) TryToReceive() {
	for {
		select {
		case msg, ok := <-c.conn.Inbound():
			if !ok {
				return
			}
			c.handleInbound(msg)
		default:
			return
		}
	}
}

// extractRPCError returns the decoded rpc_error when body is an rpc_result
// carrying one, else nil.
func extractRPCError(body []int32) *mtproto.RPCError {
	if len(body) < 4 || uint32(body[0]) != mtproto.IDRPCResult || uint32(body[3]) != mtproto.IDRPCError {
		return nil
	}

	rpcErr, err := mtproto.ParseRPCError(body, 3)
	if err != nil {
		return mtproto.NewRPCClientError("RESPONSE_PARSE_FAILED", err.Error())
	}

	return rpcErr
}

// onTransportStateChange reacts to transport-level connectivity changes.
func (c *Controller) onTransportStateChange(state TransportState) {
	if c.killed.Load() {
		return
	}

	c.logger.Debug("transport state changed", "transport_state", state)

	switch state {
	case TransportConnected:
		c.connected.Store(true)
		c.tryActivate()

	case TransportDisconnected:
		c.connected.Store(false)
		// Only an active session reacts; while starting or restarting the
		// reconnect flow is already in progress.
		if c.stateMgr.State().IsActive() {
			if err := c.Restart(); err != nil {
				c.logger.Error("restart after transport loss failed", "error", err)
			}
		}

	case TransportConnecting:
	}
}

// tryActivate moves the session to ActiveState when both preconditions hold:
// the transport is connected and a checked auth key is present. On activation
// everything that was in flight on the previous connection is re-staged.
func (c *Controller) tryActivate() {
	if !c.connected.Load() {
		return
	}

	if c.data.Key() == nil || !c.data.KeyChecked() {
		c.logger.Debug("transport connected, waiting for checked auth key")
		return
	}

	if err := c.stateMgr.ToActive(); err != nil {
		return
	}

	c.logger.Info("session active", "session_id", c.data.SessionID())

	if c.resendAllNext.CompareAndSwap(true, false) {
		c.ResendAll()
	}
	c.scheduleSend(0)
}

// startTasks launches the receive pump and the periodic timers. No-op when
// they are already running.
func (c *Controller) startTasks() {
	if !c.tasksRunning.CompareAndSwap(false, true) {
		return
	}

	// Re-arm the task manager in case a previous Stop cancelled it.
	c.taskMgr.Wait()

	if err := c.taskMgr.Start("receiver", c.receiveTask); err != nil {
		c.logger.Error("start receiver task", "error", err)
	}
	if err := c.taskMgr.StartInterval("checkRequests", c.checkRequestsByTimer, c.cfg.CheckInterval(), false); err != nil {
		c.logger.Error("start request check timer", "error", err)
	}
	if err := c.taskMgr.StartInterval("ping", c.pingByTimer, c.cfg.PingInterval(), false); err != nil {
		c.logger.Error("start ping timer", "error", err)
	}
}

// stopTasks signals the pump and timers to stop.
func (c *Controller) stopTasks() {
	if !c.tasksRunning.CompareAndSwap(true, false) {
		return
	}
	c.taskMgr.Stop()
}

// receiveTask pumps decrypted inbound envelopes off the connection.
func (c *Controller) receiveTask(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case msg, ok := <-c.conn.Inbound():
		if !ok {
			return false
		}
		c.handleInbound(msg)
		return true
	}
}

// senderTask runs send cycles on demand, coalescing wake requests so a burst
// of submissions produces one cycle. The earliest requested deadline wins.
func (c *Controller) senderTask() {
	const idle = 24 * time.Hour

	timer := pool.GetTimer(idle)
	defer pool.PutTimer(timer)

	var (
		armed    bool
		deadline time.Time
	)

	for {
		select {
		case <-c.ctx.Done():
			return

		case wait := <-c.sendWake:
			target := time.Now().Add(wait)
			if armed && !target.Before(deadline) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			deadline = target
			armed = true

		case <-timer.C:
			armed = false
			timer.Reset(idle)
			c.sendPending()
		}
	}
}

// scheduleSend requests a send cycle after at most wait. A non-positive wait
// uses the configured coalescing delay.
func (c *Controller) scheduleSend(wait time.Duration) {
	if c.killed.Load() {
		return
	}
	if wait <= 0 {
		wait = c.cfg.SendCoalesceDelay()
	}

	select {
	case c.sendWake <- wait:
	default:
		// A full wake queue already has a cycle coming.
	}
}

// sendPending runs one send cycle: drain the queued requests, assign transmit
// ids, attach pending state requests and acknowledgments, wrap into a
// container when several messages go out together, and hand the batch to the
// connection. Requests stay queued while the session is not active or holds
// no key.
func (c *Controller) sendPending() {
	if c.killed.Load() || !c.stateMgr.IsActive() {
		return
	}

	if c.data.Key() == nil {
		c.logger.Debug("no auth key, requests stay queued", "queued", c.data.ToSendCount())
		return
	}

	reqs := c.data.DrainToSend()
	msgs := make([]*mtproto.Message, 0, len(reqs)+2)
	now := time.Now()

	for _, req := range reqs {
		if req.After != 0 && c.dependencyPending(req.After) {
			c.data.EnqueueToSend(req)
			continue
		}

		body := req.Body
		if req.NeedsLayer && !c.data.LayerInited() {
			body = wrapWithLayer(body)
		}

		needAck := !req.NoAck
		if !req.Staged() {
			req.MsgID = mtproto.GenerateMsgID()
			req.SeqNo = c.data.NextRequestSeqNumber(needAck)
		}
		req.LastSentAt = now
		req.Attempts++

		msgs = append(msgs, &mtproto.Message{
			MsgID:     req.MsgID,
			SeqNo:     req.SeqNo,
			RequestID: req.ID,
			Body:      body,
		})
		c.data.StoreSent(req)
	}

	if stateIDs := c.data.DrainStateRequests(); len(stateIDs) > 0 {
		msgs = append(msgs, c.buildStateRequest(stateIDs, now))
	}

	if acks := c.takeAcks(); len(acks) > 0 {
		body := mtproto.AppendMsgIDVector([]int32{int32(mtproto.IDMsgsAck)}, acks) //nolint:gosec
		msgs = append(msgs, &mtproto.Message{
			MsgID: mtproto.GenerateMsgID(),
			SeqNo: c.data.NextRequestSeqNumber(false),
			Body:  body,
		})
	}

	if len(msgs) == 0 {
		return
	}

	batch := msgs
	if len(msgs) > 1 || c.forceContainer.Swap(false) {
		container := mtproto.NewContainer(msgs, mtproto.GenerateMsgID(), c.data.NextRequestSeqNumber(false))
		batch = []*mtproto.Message{container}
	}

	c.logger.Debug("submitting batch", "messages", len(msgs), "container", len(batch) == 1 && len(msgs) > 1)

	if err := c.conn.Submit(batch); err != nil {
		c.logger.Error("submit failed, re-queueing", "error", err, "messages", len(msgs))
		c.requeueAfterSubmitFailure(msgs)
		if restartErr := c.Restart(); restartErr != nil {
			c.logger.Error("restart after submit failure", "error", restartErr)
		}
	}
}

// buildStateRequest constructs a msgs_state_req for ids and tracks it in
// flight so the msgs_state_info reply can be matched back.
func (c *Controller) buildStateRequest(ids []mtproto.MsgID, now time.Time) *mtproto.Message {
	body := mtproto.AppendMsgIDVector([]int32{int32(mtproto.IDMsgsStateReq)}, ids) //nolint:gosec

	req := mtproto.NewRequest(body)
	req.NoAck = true
	req.MsgID = mtproto.GenerateMsgID()
	req.SeqNo = c.data.NextRequestSeqNumber(false)
	req.LastSentAt = now
	req.Attempts = 1

	c.data.StoreSent(req)
	c.stateReqs.Store(req.MsgID, ids)

	return &mtproto.Message{MsgID: req.MsgID, SeqNo: req.SeqNo, RequestID: req.ID, Body: body}
}

// requeueAfterSubmitFailure puts request-backed messages of a failed batch
// back into the send queue.
func (c *Controller) requeueAfterSubmitFailure(msgs []*mtproto.Message) {
	for _, m := range msgs {
		if m.RequestID == 0 {
			continue
		}
		if req, ok := c.data.TakeSent(m.MsgID); ok {
			c.data.EnqueueToSend(req)
		}
	}
}

// dependencyPending reports whether the named request is still queued or in
// flight, which defers any request submitted with After pointing at it.
func (c *Controller) dependencyPending(requestID mtproto.RequestID) bool {
	status := c.data.RequestStatus(requestID)
	return status == RequestStatusQueued || status == RequestStatusSent
}

// wrapWithLayer prepends layer negotiation data to a request body.
func wrapWithLayer(body []int32) []int32 {
	wrapped := make([]int32, 0, len(body)+2)
	wrapped = append(wrapped, int32(mtproto.IDInvokeWithLayer), mtproto.CurrentLayer) //nolint:gosec
	return append(wrapped, body...)
}

// queueAck records an inbound message id to acknowledge on a later send cycle.
func (c *Controller) queueAck(msgID mtproto.MsgID) {
	c.ackMu.Lock()
	c.ackQueue = append(c.ackQueue, msgID)
	c.ackMu.Unlock()
}

// takeAcks removes and returns the pending acknowledgment ids.
func (c *Controller) takeAcks() []mtproto.MsgID {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()

	acks := c.ackQueue
	c.ackQueue = nil

	return acks
}

func (c *Controller) pendingAckCount() int {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()

	return len(c.ackQueue)
}

// handleInbound classifies one decrypted inbound envelope on the I/O path.
// Duplicates and stale ids are dropped here; everything else is either
// resolved immediately (acks, salts, pings) or buffered for DispatchReceived.
func (c *Controller) handleInbound(msg mtproto.SerializedMessage) {
	if c.killed.Load() {
		return
	}

	if !msg.Valid() {
		c.logger.Warn("dropping truncated inbound message", "words", len(msg))
		return
	}

	msgID := msg.MsgID()
	needAck := mtproto.ResponseNeedsAck(msg)

	if !c.data.RegisterReceivedID(msgID, needAck) {
		// Duplicate or stale. Re-ack duplicates so the server stops resending.
		if needAck {
			c.queueAck(msgID)
			c.scheduleSend(c.cfg.AckSendDelay())
		}
		return
	}

	switch msg.ConstructorID() {
	case mtproto.IDMsgContainer:
		c.handleContainer(msg)

	case mtproto.IDRPCResult:
		c.handleRPCResult(msg)

	case mtproto.IDPong:
		c.handlePong(msg)

	case mtproto.IDMsgsAck:
		c.handleMsgsAck(msg)

	case mtproto.IDPing:
		if needAck {
			c.queueAck(msgID)
		}
		c.handlePing(msg)

	case mtproto.IDMsgsStateReq:
		if needAck {
			c.queueAck(msgID)
		}
		c.handleMsgsStateReq(msg)

	case mtproto.IDMsgsStateInfo:
		c.handleMsgsStateInfo(msg)

	case mtproto.IDBadServerSalt:
		c.handleBadServerSalt(msg)

	case mtproto.IDBadMsgNotification:
		c.handleBadMsgNotification(msg)

	case mtproto.IDNewSessionCreated:
		c.handleNewSessionCreated(msg)

	default:
		// A server push not tied to any request.
		c.data.PushUpdate(msg)
	}
}

// handleContainer splits a msg_container and feeds each inner message through
// the normal inbound path, so every inner id is deduplicated individually.
func (c *Controller) handleContainer(msg mtproto.SerializedMessage) {
	inner, err := mtproto.UnpackContainer(msg)
	if err != nil {
		c.logger.Warn("dropping malformed container", "msg_id", msg.MsgID(), "error", err)
		return
	}

	for _, m := range inner {
		c.handleInbound(m)
	}
}

// handleRPCResult matches a response to its in-flight request and buffers it
// for dispatch. Responses for unknown ids (cancelled requests, replays past
// the dedup horizon) are dropped.
func (c *Controller) handleRPCResult(msg mtproto.SerializedMessage) {
	body := msg.Body()
	if len(body) < 3 {
		c.logger.Warn("dropping truncated rpc_result", "msg_id", msg.MsgID())
		return
	}

	reqMsgID := mtproto.MsgID(mtproto.ReadUint64(body, 1))
	requestID := c.completeSent(reqMsgID)
	if requestID == 0 {
		c.logger.Debug("response for unknown msg id", "req_msg_id", reqMsgID)
		return
	}

	c.data.PushResponse(requestID, msg)
}

// handlePong completes the ping tracked under the echoed message id.
func (c *Controller) handlePong(msg mtproto.SerializedMessage) {
	body := msg.Body()
	if len(body) < 5 {
		c.logger.Warn("dropping truncated pong", "msg_id", msg.MsgID())
		return
	}

	pingMsgID := mtproto.MsgID(mtproto.ReadUint64(body, 1))
	requestID := c.completeSent(pingMsgID)
	if requestID == 0 {
		return
	}

	if _, ok := c.handlers.Load(requestID); ok {
		c.data.PushResponse(requestID, msg)
	}
}

// handleMsgsAck moves each acknowledged in-flight entry to the acked map.
// Callbacks stay registered; an ack confirms delivery, not completion.
func (c *Controller) handleMsgsAck(msg mtproto.SerializedMessage) {
	ids, err := mtproto.ReadMsgIDVector(msg.Body(), 1)
	if err != nil {
		c.logger.Warn("dropping malformed msgs_ack", "msg_id", msg.MsgID(), "error", err)
		return
	}

	for _, id := range ids {
		c.ackSent(id)
	}
}

// handlePing answers a server ping immediately, bypassing the send queue.
func (c *Controller) handlePing(msg mtproto.SerializedMessage) {
	body := msg.Body()
	if len(body) < 3 {
		return
	}

	pingID := mtproto.ReadUint64(body, 1)
	c.sendPong(msg.MsgID(), pingID)
}

// handleMsgsStateReq answers a server-side delivery status query about
// messages we supposedly sent. Everything we track as sent is reported
// received-by-peer unknown; the reply is best-effort.
func (c *Controller) handleMsgsStateReq(msg mtproto.SerializedMessage) {
	ids, err := mtproto.ReadMsgIDVector(msg.Body(), 1)
	if err != nil {
		c.logger.Warn("dropping malformed msgs_state_req", "msg_id", msg.MsgID(), "error", err)
		return
	}

	info := make([]byte, len(ids))
	for i, id := range ids {
		switch c.data.ReceivedIDLookup(id) {
		case MsgIDNotFound:
			info[i] = 1 // nothing known
		case MsgIDNeedsAck, MsgIDNoAckNeeded:
			info[i] = 4 // received
		}
	}

	c.SendMsgsStateInfo(msg.MsgID(), info)
}

// handleMsgsStateInfo resolves an earlier msgs_state_req: queried ids the
// server never received are re-staged.
func (c *Controller) handleMsgsStateInfo(msg mtproto.SerializedMessage) {
	body := msg.Body()
	if len(body) < 4 {
		c.logger.Warn("dropping truncated msgs_state_info", "msg_id", msg.MsgID())
		return
	}

	reqMsgID := mtproto.MsgID(mtproto.ReadUint64(body, 1))
	c.completeSent(reqMsgID)

	queried, ok := c.stateReqs.LoadAndDelete(reqMsgID)
	if !ok {
		return
	}

	info, _, err := mtproto.ReadTLString(body, 3)
	if err != nil || len(info) != len(queried) {
		c.logger.Warn("malformed msgs_state_info", "msg_id", msg.MsgID(), "error", err)
		return
	}

	var missing []mtproto.MsgID
	for i, id := range queried {
		if info[i]&7 < 4 {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		c.logger.Info("server missed messages, resending", "count", len(missing))
		c.ResendMany(missing, 0, false, false)
	}
}

// handleBadServerSalt installs the corrected salt and re-sends the rejected
// message.
func (c *Controller) handleBadServerSalt(msg mtproto.SerializedMessage) {
	body := msg.Body()
	if len(body) < 7 {
		c.logger.Warn("dropping truncated bad_server_salt", "msg_id", msg.MsgID())
		return
	}

	badMsgID := mtproto.MsgID(mtproto.ReadUint64(body, 1))
	newSalt := mtproto.ReadUint64(body, 5)

	c.logger.Info("server salt rejected, updating", "bad_msg_id", badMsgID)

	c.data.SetSalt(newSalt)
	c.Resend(badMsgID, 0, false, false)
}

// handleBadMsgNotification logs the server's complaint and re-sends the
// offending message with fresh ids.
func (c *Controller) handleBadMsgNotification(msg mtproto.SerializedMessage) {
	body := msg.Body()
	if len(body) < 5 {
		c.logger.Warn("dropping truncated bad_msg_notification", "msg_id", msg.MsgID())
		return
	}

	badMsgID := mtproto.MsgID(mtproto.ReadUint64(body, 1))
	errorCode := body[4]

	c.logger.Warn("bad msg notification", "bad_msg_id", badMsgID, "error_code", errorCode)

	c.Resend(badMsgID, 0, false, false)
}

// handleNewSessionCreated installs the announced salt and forwards the
// notification as an update so the application can react.
func (c *Controller) handleNewSessionCreated(msg mtproto.SerializedMessage) {
	body := msg.Body()
	if len(body) < 7 {
		c.logger.Warn("dropping truncated new_session_created", "msg_id", msg.MsgID())
		return
	}

	salt := mtproto.ReadUint64(body, 5)
	c.data.SetSalt(salt)

	c.logger.Info("server created new session", "session_id", c.data.SessionID())

	c.data.PushUpdate(msg)
}

// completeSent resolves the request transmitted as reqMsgID and marks it
// answered. The lookup falls through the in-flight map, the re-stage markers
// and the acked map, covering responses that arrive after an ack or while a
// retransmission is staged.
func (c *Controller) completeSent(reqMsgID mtproto.MsgID) mtproto.RequestID {
	if req, ok := c.data.TakeSent(reqMsgID); ok {
		// Markers from earlier transmissions of the same request are dead now.
		c.data.ClearToResend(req.ID)
		c.data.MarkAcked(reqMsgID, req.ID)
		return req.ID
	}

	if requestID, ok := c.data.TakeToResend(reqMsgID); ok {
		// The answer raced a pending retransmission; drop the re-staged copy.
		c.data.RemoveToSend(requestID)
		c.data.MarkAcked(reqMsgID, requestID)
		return requestID
	}

	if requestID, ok := c.data.AckedRequestID(reqMsgID); ok {
		return requestID
	}

	return 0
}

// ackSent moves one in-flight entry to the acked map with no payload.
func (c *Controller) ackSent(msgID mtproto.MsgID) {
	if req, ok := c.data.TakeSent(msgID); ok {
		c.data.MarkAcked(msgID, req.ID)
		return
	}

	if requestID, ok := c.data.TakeToResend(msgID); ok {
		c.data.RemoveToSend(requestID)
		c.data.MarkAcked(msgID, requestID)
	}
}

// sendPong answers a server ping immediately. Pongs carry non-ack sequence
// numbers and are never tracked.
func (c *Controller) sendPong(pingMsgID mtproto.MsgID, pingID uint64) {
	body := mtproto.AppendUint64([]int32{int32(mtproto.IDPong)}, uint64(pingMsgID)) //nolint:gosec
	body = mtproto.AppendUint64(body, pingID)

	msg := &mtproto.Message{
		MsgID: mtproto.GenerateMsgID(),
		SeqNo: c.data.NextRequestSeqNumber(false),
		Body:  body,
	}

	if err := c.conn.Submit([]*mtproto.Message{msg}); err != nil {
		c.logger.Warn("submit pong failed", "error", err)
	}
}

// SendMsgsStateInfo reports delivery status info for a server query,
// bypassing the send queue.
func (c *Controller) SendMsgsStateInfo(reqMsgID mtproto.MsgID, info []byte) {
	body := mtproto.AppendUint64([]int32{int32(mtproto.IDMsgsStateInfo)}, uint64(reqMsgID)) //nolint:gosec
	body = mtproto.AppendTLString(body, string(info))

	msg := &mtproto.Message{
		MsgID: mtproto.GenerateMsgID(),
		SeqNo: c.data.NextRequestSeqNumber(false),
		Body:  body,
	}

	if err := c.conn.Submit([]*mtproto.Message{msg}); err != nil {
		c.logger.Warn("submit msgs_state_info failed", "error", err)
	}
}

// checkRequestsByTimer scans in-flight requests for elapsed waits. Requests
// within their resend budget are re-staged with a delivery status query;
// beyond the budget the connection restarts instead. The dedup registry is
// shrunk here too, so eviction runs on the timer rather than per insert.
func (c *Controller) checkRequestsByTimer() bool {
	if c.killed.Load() {
		return false
	}

	c.data.ShrinkReceivedIDs()

	if !c.stateMgr.IsActive() {
		return true
	}

	var (
		stale       []mtproto.MsgID
		needRestart bool
	)

	now := time.Now()
	minTimeout := c.cfg.RequestTimeout()
	maxAttempts := c.cfg.MaxResendAttempts()

	for _, req := range c.data.SentSnapshot() {
		if req.LastSentAt.IsZero() {
			continue
		}

		wait := req.MsCanWait
		if wait < minTimeout {
			wait = minTimeout
		}
		if now.Sub(req.LastSentAt) <= wait {
			continue
		}

		if req.Attempts >= maxAttempts {
			needRestart = true
			continue
		}
		stale = append(stale, req.MsgID)
	}

	if needRestart {
		c.logger.Warn("requests exhausted resend budget, restarting connection")
		if err := c.Restart(); err != nil {
			c.logger.Error("restart after resend budget exhausted", "error", err)
		}
		return true
	}

	if len(stale) > 0 {
		c.logger.Info("requests timed out, resending", "count", len(stale))
		c.ResendMany(stale, 0, false, true)
	}

	return true
}

// pingByTimer submits a keepalive ping while active.
func (c *Controller) pingByTimer() bool {
	if c.killed.Load() {
		return false
	}

	if c.stateMgr.IsActive() {
		c.notifyAll(c.notifySnapshot(&c.onNeedToPing))
		c.Ping()
	}

	return true
}

func (c *Controller) addNotify(list *[]NotifyHandler, h NotifyHandler) {
	if h == nil {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	*list = append(*list, h)
}

func (c *Controller) notifySnapshot(list *[]NotifyHandler) []NotifyHandler {
	c.notifyMu.RLock()
	defer c.notifyMu.RUnlock()

	return append([]NotifyHandler(nil), (*list)...)
}

func (c *Controller) notifyAll(handlers []NotifyHandler) {
	for _, h := range handlers {
		h()
	}
}
