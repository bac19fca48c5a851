package session

import (
	"sync"

	"github.com/john-rice/tdesktop/mtproto"
)

// fakeConn is an in-memory Connection capturing submitted batches and
// replaying inbound envelopes. Transport state changes are driven explicitly
// by the test via fire.
type fakeConn struct {
	mu        sync.Mutex
	opened    int
	closed    int
	restarted int
	submitted [][]*mtproto.Message
	submitErr error
	handlers  []TransportStateHandler

	inbound chan mtproto.SerializedMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan mtproto.SerializedMessage, 64)}
}

func (f *fakeConn) Open() error {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Restart() error {
	f.mu.Lock()
	f.restarted++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Submit(batch []*mtproto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return f.submitErr
	}

	owned := make([]*mtproto.Message, len(batch))
	copy(owned, batch)
	f.submitted = append(f.submitted, owned)

	return nil
}

func (f *fakeConn) Inbound() <-chan mtproto.SerializedMessage { return f.inbound }

func (f *fakeConn) AddStateHandler(handler TransportStateHandler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
}

func (f *fakeConn) Transport() string { return "fake" }

func (f *fakeConn) fire(state TransportState) {
	f.mu.Lock()
	handlers := append([]TransportStateHandler(nil), f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

func (f *fakeConn) deliver(msg mtproto.SerializedMessage) {
	f.inbound <- msg
}

func (f *fakeConn) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeConn) batch(i int) []*mtproto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[i]
}

func (f *fakeConn) lastBatch() []*mtproto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}
