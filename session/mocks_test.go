// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"context"
	"sync"

	"github.com/soothill/circuitiq-sync/meter"
	"github.com/soothill/circuitiq-sync/pkg/interfaces"
)

// fakePull is a scriptable PullTransport. Unset function fields succeed
// with zero values.
type fakePull struct {
	mu sync.Mutex

	listDevicesFn   func(ctx context.Context) ([]meter.DeviceInfo, error)
	getDeviceFn     func(ctx context.Context, id string) (*meter.DeviceInfo, error)
	getReadingsFn   func(ctx context.Context, id string, limit int) ([]meter.Reading, error)
	getStatsFn      func(ctx context.Context, id string) (meter.Statistics, error)
	setRelayFn      func(ctx context.Context, id string, on bool, ch meter.RelayChannel) error
	sendCommandFn   func(ctx context.Context, id, name string, params map[string]string) error
	systemResetFn   func(ctx context.Context, id string) error
	systemRestartFn func(ctx context.Context, id string) error
	setConfigFn     func(ctx context.Context, id, param string, v meter.ConfigValue) error
	mockDataFn      func(ctx context.Context, id string, count int) error

	getDeviceCalls   []string
	getReadingsCalls []string
	relayCalls       []string
	commandCalls     []string
}

func (f *fakePull) ListDevices(ctx context.Context) ([]meter.DeviceInfo, error) {
	if f.listDevicesFn != nil {
		return f.listDevicesFn(ctx)
	}
	return nil, nil
}

func (f *fakePull) GetDevice(ctx context.Context, id string) (*meter.DeviceInfo, error) {
	f.mu.Lock()
	f.getDeviceCalls = append(f.getDeviceCalls, id)
	f.mu.Unlock()
	if f.getDeviceFn != nil {
		return f.getDeviceFn(ctx, id)
	}
	return &meter.DeviceInfo{ID: id, Type: meter.DeviceTypeCircuitIQ}, nil
}

func (f *fakePull) GetReadings(ctx context.Context, id string, limit int) ([]meter.Reading, error) {
	f.mu.Lock()
	f.getReadingsCalls = append(f.getReadingsCalls, id)
	f.mu.Unlock()
	if f.getReadingsFn != nil {
		return f.getReadingsFn(ctx, id, limit)
	}
	return nil, nil
}

func (f *fakePull) GetStatistics(ctx context.Context, id string) (meter.Statistics, error) {
	if f.getStatsFn != nil {
		return f.getStatsFn(ctx, id)
	}
	return nil, nil
}

func (f *fakePull) SetRelay(ctx context.Context, id string, on bool, ch meter.RelayChannel) error {
	f.mu.Lock()
	f.relayCalls = append(f.relayCalls, id)
	f.mu.Unlock()
	if f.setRelayFn != nil {
		return f.setRelayFn(ctx, id, on, ch)
	}
	return nil
}

func (f *fakePull) SendCommand(ctx context.Context, id, name string, params map[string]string) error {
	f.mu.Lock()
	f.commandCalls = append(f.commandCalls, name)
	f.mu.Unlock()
	if f.sendCommandFn != nil {
		return f.sendCommandFn(ctx, id, name, params)
	}
	return nil
}

func (f *fakePull) SystemReset(ctx context.Context, id string) error {
	if f.systemResetFn != nil {
		return f.systemResetFn(ctx, id)
	}
	return nil
}

func (f *fakePull) SystemRestart(ctx context.Context, id string) error {
	if f.systemRestartFn != nil {
		return f.systemRestartFn(ctx, id)
	}
	return nil
}

func (f *fakePull) SetConfig(ctx context.Context, id, param string, v meter.ConfigValue) error {
	if f.setConfigFn != nil {
		return f.setConfigFn(ctx, id, param, v)
	}
	return nil
}

func (f *fakePull) GenerateMockData(ctx context.Context, id string, count int) error {
	if f.mockDataFn != nil {
		return f.mockDataFn(ctx, id, count)
	}
	return nil
}

func (f *fakePull) deviceFetches(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.getDeviceCalls {
		if call == id {
			n++
		}
	}
	return n
}

// fakePush is a manually driven PushTransport for tests.
type fakePush struct {
	mu        sync.Mutex
	connected bool
	handlers  map[int]interfaces.PushHandler
	next      int
	sent      []string
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[int]interfaces.PushHandler)}
}

func (p *fakePush) Connect(ctx context.Context, url string) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *fakePush) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *fakePush) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Subscribe(handler interfaces.PushHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	p.handlers[id] = handler
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}
}

func (p *fakePush) SendCommand(id, text string) error {
	p.mu.Lock()
	p.sent = append(p.sent, text)
	p.mu.Unlock()
	return nil
}

// deliver synchronously hands a reading to every subscriber, the way the
// read pump of a real push transport would.
func (p *fakePush) deliver(r *meter.Reading) {
	p.mu.Lock()
	handlers := make([]interfaces.PushHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(r)
	}
}

func (p *fakePush) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

func (p *fakePush) sentCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}
