// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/soothill/circuitiq-sync/meter"
)

// settleWait sleeps long enough for any scheduled confirmation refresh in
// the test configuration (20ms relay, 10ms mock) to have fired.
func settleWait() {
	time.Sleep(80 * time.Millisecond)
}

func TestControlRelaySchedulesOneConfirmationRefresh(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	before := pull.deviceFetches("meter-1")

	if !s.ControlRelay(context.Background(), meter.RelayChannel1, true) {
		t.Fatal("ControlRelay() = false, want true")
	}
	settleWait()

	after := pull.deviceFetches("meter-1")
	if after != before+1 {
		t.Errorf("confirmation refreshes = %d, want exactly 1", after-before)
	}
}

func TestControlRelayReturnsWriteResultNotRefreshResult(t *testing.T) {
	refreshErr := false
	pull := &fakePull{
		getDeviceFn: func(ctx context.Context, id string) (*meter.DeviceInfo, error) {
			if refreshErr {
				return nil, fmt.Errorf("refresh failed")
			}
			return &meter.DeviceInfo{ID: id, Type: meter.DeviceTypeCircuitIQ}, nil
		},
	}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}

	refreshErr = true
	if !s.ControlRelay(context.Background(), meter.RelayAll, false) {
		t.Error("ControlRelay() must report the write result, not the refresh result")
	}
	settleWait()

	if s.LastError() != nil {
		t.Errorf("LastError() = %v; confirmation refresh failures must not touch it", s.LastError())
	}
}

func TestDelayedRefreshDiscardedAfterSelectionChange(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-A"); err != nil {
		t.Fatalf("SelectDevice(A) error = %v", err)
	}

	if !s.ControlRelay(context.Background(), meter.RelayChannel1, true) {
		t.Fatal("ControlRelay() = false, want true")
	}

	// Switch before the settle delay elapses.
	if err := s.SelectDevice(context.Background(), "meter-B"); err != nil {
		t.Fatalf("SelectDevice(B) error = %v", err)
	}
	fetchesAtSwitch := pull.deviceFetches("meter-A")

	settleWait()

	if got := pull.deviceFetches("meter-A"); got != fetchesAtSwitch {
		t.Errorf("device A fetched %d more times after switch; delayed refresh must be dropped", got-fetchesAtSwitch)
	}
	if s.CurrentReading() != nil {
		t.Error("device A data must not mutate state after switching to device B")
	}
}

func TestCommandsFailFastWithoutSelection(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	ctx := context.Background()
	if s.ControlRelay(ctx, meter.RelayChannel1, true) {
		t.Error("ControlRelay() without selection should fail")
	}
	if s.SendCommand(ctx, "status", nil) {
		t.Error("SendCommand() without selection should fail")
	}
	if s.SystemReset(ctx) {
		t.Error("SystemReset() without selection should fail")
	}
	if s.SetConfig(ctx, "interval", meter.NumberValue(30)) {
		t.Error("SetConfig() without selection should fail")
	}
	if s.GenerateMockData(ctx, 5) {
		t.Error("GenerateMockData() without selection should fail")
	}

	// Precondition failures have no side effects.
	if s.LastError() != nil {
		t.Errorf("LastError() = %v after precondition failures, want nil", s.LastError())
	}
	if len(pull.relayCalls) != 0 || len(pull.commandCalls) != 0 {
		t.Error("no transport call may be made without a selection")
	}
}

func TestStateAffectingCommandSchedulesRefresh(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	before := pull.deviceFetches("meter-1")

	if !s.SendCommand(context.Background(), "status", nil) {
		t.Fatal("SendCommand(status) = false, want true")
	}
	settleWait()

	if got := pull.deviceFetches("meter-1") - before; got != 1 {
		t.Errorf("refreshes after status command = %d, want 1", got)
	}
}

func TestNonStateAffectingCommandSkipsRefresh(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	before := pull.deviceFetches("meter-1")

	if !s.SendCommand(context.Background(), "label", map[string]string{"value": "Garage"}) {
		t.Fatal("SendCommand(label) = false, want true")
	}
	settleWait()

	if got := pull.deviceFetches("meter-1") - before; got != 0 {
		t.Errorf("refreshes after label command = %d, want 0", got)
	}
}

func TestSendCommandMirrorsOverPushWhenConnected(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}

	if err := s.Connect(context.Background(), "ws://gateway/stream"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.SendCommand(context.Background(), "label", nil)

	if got := push.sentCommands(); len(got) != 1 || got[0] != "label" {
		t.Errorf("push mirror = %v, want [label]", got)
	}
}

func TestSendCommandSkipsMirrorWhenDisconnected(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}

	s.SendCommand(context.Background(), "label", nil)

	if got := push.sentCommands(); len(got) != 0 {
		t.Errorf("push mirror = %v, want none while disconnected", got)
	}
}

func TestSystemResetDropsReadingImmediately(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	push.deliver(testReading("meter-1", time.Now(), 100))
	before := pull.deviceFetches("meter-1")

	if !s.SystemReset(context.Background()) {
		t.Fatal("SystemReset() = false, want true")
	}

	if s.CurrentReading() != nil {
		t.Error("authoritative reading must be dropped immediately on reset")
	}
	settleWait()
	if got := pull.deviceFetches("meter-1") - before; got != 0 {
		t.Errorf("refreshes after reset = %d, want 0 (would race the reboot)", got)
	}
}

func TestSystemRestartDropsReadingImmediately(t *testing.T) {
	pull := &fakePull{}
	push := newFakePush()
	s := newTestSession(pull, push)

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	push.deliver(testReading("meter-1", time.Now(), 100))

	if !s.SystemRestart(context.Background()) {
		t.Fatal("SystemRestart() = false, want true")
	}
	if s.CurrentReading() != nil {
		t.Error("authoritative reading must be dropped immediately on restart")
	}
}

func TestSetConfigDoesNotRefresh(t *testing.T) {
	var wrote meter.ConfigValue
	pull := &fakePull{
		setConfigFn: func(ctx context.Context, id, param string, v meter.ConfigValue) error {
			wrote = v
			return nil
		},
	}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	before := pull.deviceFetches("meter-1")

	if !s.SetConfig(context.Background(), "report_interval", meter.NumberValue(15)) {
		t.Fatal("SetConfig() = false, want true")
	}
	settleWait()

	if wrote.Kind != meter.ConfigNumber || wrote.Num != 15 {
		t.Errorf("written value = %+v, want number 15", wrote)
	}
	if got := pull.deviceFetches("meter-1") - before; got != 0 {
		t.Errorf("refreshes after SetConfig = %d, want 0", got)
	}
}

func TestGenerateMockDataSchedulesRefresh(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	before := pull.deviceFetches("meter-1")

	if !s.GenerateMockData(context.Background(), 10) {
		t.Fatal("GenerateMockData() = false, want true")
	}
	settleWait()

	if got := pull.deviceFetches("meter-1") - before; got != 1 {
		t.Errorf("refreshes after mock data = %d, want 1", got)
	}
}

func TestGenerateMockDataRejectsNonPositiveCount(t *testing.T) {
	pull := &fakePull{}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}

	if s.GenerateMockData(context.Background(), 0) {
		t.Error("GenerateMockData(0) = true, want false")
	}
	if s.LastError() == nil {
		t.Error("LastError() should record the invalid count")
	}
}

func TestCommandFailureRecordsLastError(t *testing.T) {
	pull := &fakePull{
		setRelayFn: func(ctx context.Context, id string, on bool, ch meter.RelayChannel) error {
			return fmt.Errorf("relay jammed")
		},
	}
	s := newTestSession(pull, newFakePush())

	if err := s.SelectDevice(context.Background(), "meter-1"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}

	if s.ControlRelay(context.Background(), meter.RelayChannel2, true) {
		t.Error("ControlRelay() = true, want false on transport failure")
	}
	if s.LastError() == nil {
		t.Error("LastError() should record the transport failure")
	}
	if s.IsLoading() {
		t.Error("commands must never leave isLoading set")
	}
}
