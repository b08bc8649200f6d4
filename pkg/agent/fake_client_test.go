package agent

import (
	"context"
	"sync"

	"github.com/palaver-dev/palaver/pkg/llm"
)

// fakeClient is a scripted runtime client. Connect may be made to fail a
// number of times; Query replays the scripted events.
type fakeClient struct {
	mu             sync.Mutex
	resume         string
	script         []llm.Event
	connectFails   int
	connectErr     error
	connectStall   chan struct{}
	connected      bool
	disconnected   bool
	interrupted    bool
	events         chan llm.Event
	queryBlocks    bool
	unblock        chan struct{}
	queriedPrompts []string
}

func newFakeClient(resume string, script ...llm.Event) *fakeClient {
	return &fakeClient{
		resume:  resume,
		script:  script,
		events:  make(chan llm.Event, 64),
		unblock: make(chan struct{}),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	stall := f.connectStall
	f.mu.Unlock()
	if stall != nil {
		<-stall
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectFails > 0 {
		f.connectFails--
		if f.connectErr != nil {
			return f.connectErr
		}
		return llm.ErrTransportNotReady
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeClient) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = true
	return nil
}

func (f *fakeClient) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.disconnected
}

func (f *fakeClient) Resume() string { return f.resume }

func (f *fakeClient) Query(ctx context.Context, prompt string) error {
	f.mu.Lock()
	f.queriedPrompts = append(f.queriedPrompts, prompt)
	blocks := f.queryBlocks
	f.mu.Unlock()

	go func() {
		if blocks {
			<-f.unblock
		}
		for _, ev := range f.script {
			f.events <- ev
		}
	}()
	return nil
}

func (f *fakeClient) Events() <-chan llm.Event { return f.events }

func (f *fakeClient) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeClient) wasInterrupted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupted
}
