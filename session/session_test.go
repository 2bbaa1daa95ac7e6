// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/circuitiq-sync/meter"
)

// recorder collects state snapshots delivered to a subscriber.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func TestLoadDevicesFiltersByType(t *testing.T) {
	pull := &fakePull{
		listDevicesFn: func(ctx context.Context) ([]meter.DeviceInfo, error) {
			return []meter.DeviceInfo{
				{ID: "A", Type: meter.DeviceTypeCircuitIQ, Label: "Main"},
				{ID: "B", Type: "sensor", Label: "Hallway"},
			}, nil
		},
	}
	s := newTestSession(pull, newFakePush())

	require.NoError(t, s.LoadDevices(context.Background()))

	devices := s.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "A", devices[0].ID)
}

func TestLoadDevicesFailureSetsLastError(t *testing.T) {
	pull := &fakePull{
		listDevicesFn: func(ctx context.Context) ([]meter.DeviceInfo, error) {
			return nil, fmt.Errorf("gateway unreachable")
		},
	}
	s := newTestSession(pull, newFakePush())

	err := s.LoadDevices(context.Background())
	require.Error(t, err)
	assert.Error(t, s.LastError())
	assert.False(t, s.IsLoading(), "isLoading must be cleared after a failed load")
}

func TestSelectDeviceStateMachine(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.observe)
	defer unsubscribe()

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))

	states := rec.all()
	require.GreaterOrEqual(t, len(states), 2, "selection emits a loading and a settled snapshot")
	assert.True(t, states[0].IsLoading, "first snapshot enters the loading state")
	final := states[len(states)-1]
	assert.False(t, final.IsLoading)
	assert.Equal(t, "meter-1", final.SelectedDevice)
	assert.NoError(t, final.LastError)
}

func TestRefreshDeviceKeepsSelection(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))
	require.NoError(t, s.RefreshDevice(context.Background()))

	assert.Equal(t, "meter-1", s.SelectedDevice())
}

func TestRefreshDeviceWithoutSelectionFailsFast(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	err := s.RefreshDevice(context.Background())
	require.Error(t, err)
	assert.Empty(t, pull.getDeviceCalls, "no transport call without a selection")
}

func TestLoadStatisticsReplacedWholesale(t *testing.T) {
	stats := meter.Statistics{"energy_kwh": 12.5}
	pull := &fakePull{
		getStatsFn: func(ctx context.Context, id string) (meter.Statistics, error) {
			return stats, nil
		},
	}
	s := newTestSession(pull, newFakePush())

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))
	require.NoError(t, s.LoadStatistics(context.Background()))
	assert.Equal(t, 12.5, s.Statistics()["energy_kwh"])

	// Absent statistics are a valid state, not an error.
	pull.getStatsFn = func(ctx context.Context, id string) (meter.Statistics, error) {
		return nil, nil
	}
	require.NoError(t, s.LoadStatistics(context.Background()))
	assert.Nil(t, s.Statistics(), "statistics are replaced wholesale, never merged")
}

func TestClearDataReturnsToUnselected(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))
	push.deliver(testReading("meter-1", time.Now(), 100))

	s.ClearData()

	assert.Empty(t, s.SelectedDevice())
	assert.Nil(t, s.CurrentReading())
	assert.Zero(t, s.Chart().Len())
	assert.NoError(t, s.LastError())
}

func TestUpdateServicesRepointsPushSubscription(t *testing.T) {
	pull := &fakePull{}
	oldPush := newFakePush()
	s := newTestSession(pull, oldPush)

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))

	newPush := newFakePush()
	s.UpdateServices(nil, newPush)

	assert.Zero(t, oldPush.subscriberCount(), "old push transport must be unsubscribed")
	assert.Equal(t, 1, newPush.subscriberCount(), "new push transport must be subscribed")

	// Selection and readings survive the rebind.
	assert.Equal(t, "meter-1", s.SelectedDevice())
	newPush.deliver(testReading("meter-1", time.Now(), 42))
	require.NotNil(t, s.CurrentReading())
	assert.Equal(t, 42.0, s.CurrentReading().TotalPower)
}

func TestUpdateServicesKeepsHistory(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))
	push.deliver(testReading("meter-1", time.Now(), 100))
	require.Equal(t, 1, s.Chart().Len())

	s.UpdateServices(&fakePull{}, newFakePush())

	assert.Equal(t, 1, s.Chart().Len(), "transport rebind must not reset history")
	assert.NotNil(t, s.CurrentReading(), "transport rebind must not reset the reading")
}

func TestConnectionStatusMirrorsPushTransport(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	assert.False(t, s.IsConnected())
	require.NoError(t, s.Connect(context.Background(), "ws://gateway/stream"))
	assert.True(t, s.IsConnected())
	s.Disconnect()
	assert.False(t, s.IsConnected())
}

func TestPushDeliveryNotifiesSubscribers(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))

	rec := &recorder{}
	defer s.Subscribe(rec.observe)()

	push.deliver(testReading("meter-1", time.Now(), 100))

	states := rec.all()
	require.Len(t, states, 1, "one logical transition, one notification")
	require.NotNil(t, states[0].CurrentReading)
	assert.Equal(t, 100.0, states[0].CurrentReading.TotalPower)
}

func TestPushForOtherDeviceDoesNotNotify(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))

	rec := &recorder{}
	defer s.Subscribe(rec.observe)()

	push.deliver(testReading("meter-2", time.Now(), 100))

	assert.Empty(t, rec.all(), "ignored readings must not produce notifications")
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)
	require.NoError(t, s.SelectDevice(context.Background(), "meter-1"))

	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.observe)
	unsubscribe()

	push.deliver(testReading("meter-1", time.Now(), 100))
	assert.Empty(t, rec.all())
}

// prefsSpy records key/value writes.
type prefsSpy struct {
	mu     sync.Mutex
	values map[string]string
}

func (p *prefsSpy) Get(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

func (p *prefsSpy) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values == nil {
		p.values = make(map[string]string)
	}
	p.values[key] = value
	return nil
}

func (p *prefsSpy) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
	return nil
}

func TestSelectDeviceRemembersSelection(t *testing.T) {
	prefs := &prefsSpy{}
	s := New(Config{MaxDataPoints: 10}, &fakePull{}, newFakePush(), prefs)

	require.NoError(t, s.SelectDevice(context.Background(), "meter-7"))
	assert.Equal(t, "meter-7", prefs.Get("last_device"))
}
