package bringup

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/mt7902-bringup/pkg/config"
	"github.com/Nativu5/mt7902-bringup/pkg/firmware"
	"github.com/Nativu5/mt7902-bringup/pkg/sim"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

const (
	testAddr  = "0000:03:00.0"
	imageSize = 512 << 10
	// slack covers scheduler jitter on loaded CI machines.
	slack = 60 * time.Millisecond
)

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

type fixture struct {
	dev   *sim.Device
	fw    *firmware.Memory
	image []byte
	cfg   *config.Config
	hook  *test.Hook
	opts  []Option
}

func newFixture(t *testing.T, b sim.Behavior) *fixture {
	t.Helper()
	cfg := config.Default()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	image := make([]byte, imageSize)
	for i := range image {
		image[i] = byte(i * 7)
	}
	fw := firmware.NewMemory()
	fw.Add(cfg.FirmwareName, image)

	return &fixture{
		dev:   sim.New(testAddr, cfg.Registers, b),
		fw:    fw,
		image: image,
		cfg:   cfg,
		hook:  hook,
		opts:  []Option{WithConfig(cfg), WithLogger(logger)},
	}
}

func (f *fixture) messages() []string {
	var out []string
	for _, e := range f.hook.AllEntries() {
		out = append(out, e.Message)
	}
	return out
}

func (f *fixture) hasMessage(sub string) bool {
	for _, m := range f.messages() {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func (f *fixture) hasStageError() bool {
	for _, e := range f.hook.AllEntries() {
		if e.Level == log.ErrorLevel {
			if _, ok := e.Data["stage"]; ok {
				return true
			}
		}
	}
	return false
}

func reversed(s []string) []string {
	out := slices.Clone(s)
	slices.Reverse(out)
	return out
}

// assertBalanced checks that every claim was released exactly once, in
// reverse order, and that no DMA buffer is left behind.
func assertBalanced(t *testing.T, dev *sim.Device) {
	t.Helper()
	if diff := cmp.Diff(reversed(dev.Claims()), dev.Releases()); diff != "" {
		t.Errorf("releases do not mirror claims (-want +got):\n%s", diff)
	}
	if p := dev.Problems(); len(p) > 0 {
		t.Errorf("protocol violations: %v", p)
	}
	allocs, frees, live := dev.CoherentStats()
	if live != 0 || allocs != frees {
		t.Errorf("coherent buffers: allocs=%d frees=%d live=%d", allocs, frees, live)
	}
}

// ──────────────────────────────────────────────
//  successful bring-up
// ──────────────────────────────────────────────

func TestAttach_Success(t *testing.T) {
	f := newFixture(t, sim.Behavior{AckDelay: 5 * time.Millisecond, ReadyDelay: 15 * time.Millisecond})

	c, err := Attach(f.dev, f.fw, f.opts...)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	for _, want := range []string{"firmware ok: size=524288", "firmware download OK", "mcu ready, state=7"} {
		if !f.hasMessage(want) {
			t.Errorf("missing diagnostic %q; got %v", want, f.messages())
		}
	}

	wantHeld := []Resource{ResourceDevice, ResourceRegions, ResourceRegisters, ResourceVectors, ResourceHandler}
	if diff := cmp.Diff(wantHeld, c.Acquired()); diff != "" {
		t.Errorf("Acquired() mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(f.dev.Received(), f.image) {
		t.Error("device did not receive the firmware image")
	}
	if !f.dev.Master() {
		t.Error("bus mastering should be enabled")
	}
	if vec, class, ok := c.Vector(); !ok || vec != 128 || class != types.VectorMSI {
		t.Errorf("Vector() = %d, %s, %v; want 128, msi, true", vec, class, ok)
	}
	if c.Registers() == nil {
		t.Error("Registers() should be mapped after attach")
	}
	if allocs, frees, live := f.dev.CoherentStats(); allocs != 1 || frees != 1 || live != 0 {
		t.Errorf("coherent buffers: allocs=%d frees=%d live=%d, want 1/1/0", allocs, frees, live)
	}
	if n := f.fw.Outstanding(); n != 0 {
		t.Errorf("firmware still held after attach (%d outstanding)", n)
	}

	c.Detach()
	assertBalanced(t, f.dev)
	if c.Registers() != nil {
		t.Error("Registers() should be nil after detach")
	}
	if _, _, ok := c.Vector(); ok {
		t.Error("Vector() should report no vector after detach")
	}
}

func TestAttach_DiagnosticOrder(t *testing.T) {
	f := newFixture(t, sim.Behavior{})
	c, err := Attach(f.dev, f.fw, f.opts...)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer c.Detach()

	milestones := []string{"probe", "firmware ok", "firmware download OK", "mcu ready", "FW-DMA + IRQ ready"}
	idx := 0
	for _, m := range f.messages() {
		if idx < len(milestones) && strings.Contains(m, milestones[idx]) {
			idx++
		}
	}
	if idx != len(milestones) {
		t.Errorf("milestones out of order; reached %d of %v in %v", idx, milestones, f.messages())
	}
}

// ──────────────────────────────────────────────
//  firmware missing
// ──────────────────────────────────────────────

func TestAttach_FirmwareNotFound(t *testing.T) {
	f := newFixture(t, sim.Behavior{})

	c, err := Attach(f.dev, firmware.NewMemory(), f.opts...)
	if c != nil {
		t.Error("failed Attach should return a nil context")
	}

	var nf *FirmwareNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected FirmwareNotFoundError, got %v", err)
	}
	if nf.Code != -int(unix.ENOENT) {
		t.Errorf("Code = %d, want %d", nf.Code, -int(unix.ENOENT))
	}
	if !errors.Is(err, firmware.ErrNotFound) {
		t.Error("provider error should stay in the chain")
	}

	if allocs, _, _ := f.dev.CoherentStats(); allocs != 0 {
		t.Errorf("no DMA buffer should be allocated, got %d", allocs)
	}
	if diff := cmp.Diff([]string{"registers", "regions", "device"}, f.dev.Releases()); diff != "" {
		t.Errorf("releases mismatch (-want +got):\n%s", diff)
	}
	assertBalanced(t, f.dev)
	if !f.hasStageError() {
		t.Error("a stage diagnostic should be logged before returning")
	}
}

// ──────────────────────────────────────────────
//  ACK never arrives
// ──────────────────────────────────────────────

func TestAttach_AckTimeout(t *testing.T) {
	f := newFixture(t, sim.Behavior{NeverAck: true})

	start := time.Now()
	_, err := Attach(f.dev, f.fw, f.opts...)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	bound := f.cfg.Timing.AckTimeout.Duration
	if elapsed < bound || elapsed > bound+slack {
		t.Errorf("returned after %v, want within [%v, %v]", elapsed, bound, bound+slack)
	}
	if allocs, frees, _ := f.dev.CoherentStats(); allocs != 1 || frees != 1 {
		t.Errorf("DMA buffer allocs=%d frees=%d, want exactly one of each", allocs, frees)
	}
	if f.hasMessage("firmware download OK") || f.hasMessage("MCU READY") || f.hasMessage("mcu ready") {
		t.Errorf("MCU-ready phase must not start after ACK timeout: %v", f.messages())
	}
	if !f.hasMessage("FW download ACK timeout") {
		t.Error("missing ACK timeout diagnostic")
	}
	assertBalanced(t, f.dev)
}

// ──────────────────────────────────────────────
//  MCU never reports running
// ──────────────────────────────────────────────

func TestAttach_McuReadyTimeout(t *testing.T) {
	f := newFixture(t, sim.Behavior{NeverReady: true})

	start := time.Now()
	_, err := Attach(f.dev, f.fw, f.opts...)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrMcuReadyTimeout) {
		t.Fatalf("expected ErrMcuReadyTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "state=0") {
		t.Errorf("error should carry the last state, got %v", err)
	}
	if bound := f.cfg.Timing.ReadyTimeout.Duration; elapsed > bound+slack {
		t.Errorf("returned after %v, bound is %v", elapsed, bound)
	}
	if !f.hasMessage("firmware download OK") {
		t.Error("ACK phase should have succeeded")
	}
	if allocs, frees, _ := f.dev.CoherentStats(); allocs != 1 || frees != 1 {
		t.Errorf("DMA buffer allocs=%d frees=%d, want 1/1", allocs, frees)
	}
	assertBalanced(t, f.dev)
}

// ──────────────────────────────────────────────
//  BAR mapping fails
// ──────────────────────────────────────────────

func TestAttach_MapFailed(t *testing.T) {
	f := newFixture(t, sim.Behavior{Fault: sim.FaultMap})

	_, err := Attach(f.dev, f.fw, f.opts...)

	var ae *AcquireError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AcquireError, got %v", err)
	}
	if ae.Stage != StageMap {
		t.Errorf("Stage = %s, want %s", ae.Stage, StageMap)
	}
	if diff := cmp.Diff([]string{"regions", "device"}, f.dev.Releases()); diff != "" {
		t.Errorf("releases mismatch (-want +got):\n%s", diff)
	}
	for _, ev := range f.dev.Events() {
		if strings.Contains(ev, "irq") || strings.Contains(ev, "registers") {
			t.Errorf("unexpected event after map failure: %s", ev)
		}
	}
	assertBalanced(t, f.dev)
}

func TestAttach_WindowTooSmall(t *testing.T) {
	f := newFixture(t, sim.Behavior{WindowSize: 0x1000})

	_, err := Attach(f.dev, f.fw, f.opts...)

	var ae *AcquireError
	if !errors.As(err, &ae) || ae.Stage != StageMap {
		t.Fatalf("expected map-stage AcquireError, got %v", err)
	}
	// the mapping succeeded, so it must be unmapped
	if diff := cmp.Diff([]string{"registers", "regions", "device"}, f.dev.Releases()); diff != "" {
		t.Errorf("releases mismatch (-want +got):\n%s", diff)
	}
	assertBalanced(t, f.dev)
}

// ──────────────────────────────────────────────
//  release count == acquire count, for every failure
// ──────────────────────────────────────────────

func TestAttach_FailuresReleaseWhatWasAcquired(t *testing.T) {
	tests := []struct {
		name      string
		behave    sim.Behavior
		wantErr   error
		wantStage Stage
		claims    []string
	}{
		{"enable", sim.Behavior{Fault: sim.FaultEnable}, nil, StageEnable, nil},
		{"dma_mask", sim.Behavior{Fault: sim.FaultDMAMask}, nil, StageDMAMask, []string{"device"}},
		{"dma_mask_narrow", sim.Behavior{MaxDMABits: 28}, nil, StageDMAMask, []string{"device"}},
		{"regions", sim.Behavior{Fault: sim.FaultRegions}, nil, StageRegions, []string{"device"}},
		{"map", sim.Behavior{Fault: sim.FaultMap}, nil, StageMap, []string{"device", "regions"}},
		{"alloc", sim.Behavior{Fault: sim.FaultAlloc}, ErrAllocation, "", []string{"device", "regions", "registers"}},
		{"ack", sim.Behavior{NeverAck: true}, ErrAckTimeout, "", []string{"device", "regions", "registers"}},
		{"ready", sim.Behavior{NeverReady: true}, ErrMcuReadyTimeout, "", []string{"device", "regions", "registers"}},
		{"vectors", sim.Behavior{Fault: sim.FaultVectors}, ErrNoVectorAvailable, "", []string{"device", "regions", "registers"}},
		{"vector_lookup", sim.Behavior{Fault: sim.FaultLookup}, ErrNoVectorAvailable, "", []string{"device", "regions", "registers", "irq-vectors"}},
		{"bind", sim.Behavior{Fault: sim.FaultBind}, ErrHandlerBindFailed, "", []string{"device", "regions", "registers", "irq-vectors"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.behave)
			f.cfg.Timing.AckTimeout.Duration = 10 * time.Millisecond
			f.cfg.Timing.ReadyTimeout.Duration = 10 * time.Millisecond

			c, err := Attach(f.dev, f.fw, f.opts...)
			if err == nil {
				c.Detach()
				t.Fatal("expected Attach to fail")
			}

			if tc.wantStage != "" {
				var ae *AcquireError
				if !errors.As(err, &ae) || ae.Stage != tc.wantStage {
					t.Errorf("expected AcquireError at %s, got %v", tc.wantStage, err)
				}
			} else if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}

			if diff := cmp.Diff(tc.claims, f.dev.Claims()); diff != "" {
				t.Errorf("claims mismatch (-want +got):\n%s", diff)
			}
			if len(f.dev.Releases()) != len(f.dev.Claims()) {
				t.Errorf("%d releases for %d claims", len(f.dev.Releases()), len(f.dev.Claims()))
			}
			assertBalanced(t, f.dev)
			if f.fw.Outstanding() != 0 {
				t.Errorf("firmware not released (%d outstanding)", f.fw.Outstanding())
			}
			if !f.hasStageError() {
				t.Error("a stage diagnostic should be logged before returning")
			}
		})
	}
}

// ──────────────────────────────────────────────
//  handshake retry after ACK timeout
// ──────────────────────────────────────────────

func TestLoadFirmware_RetryAfterAckTimeout(t *testing.T) {
	f := newFixture(t, sim.Behavior{IgnoredAttempts: 1})
	f.cfg.Timing.AckTimeout.Duration = 20 * time.Millisecond

	c, err := Acquire(f.dev, f.opts...)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer c.Teardown()

	if err := c.LoadFirmware(f.fw); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("first attempt: expected ErrAckTimeout, got %v", err)
	}
	if err := c.LoadFirmware(f.fw); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}

	if n := f.dev.Attempts(); n != 2 {
		t.Errorf("Attempts = %d, want 2", n)
	}
	if allocs, frees, live := f.dev.CoherentStats(); allocs != 2 || frees != 2 || live != 0 {
		t.Errorf("coherent buffers: allocs=%d frees=%d live=%d, want 2/2/0", allocs, frees, live)
	}
	if !bytes.Equal(f.dev.Received(), f.image) {
		t.Error("retried download did not deliver the image")
	}
}

func TestLoadFirmware_RepeatAfterSuccess(t *testing.T) {
	f := newFixture(t, sim.Behavior{})

	c, err := Acquire(f.dev, f.opts...)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer c.Teardown()

	for i := 0; i < 3; i++ {
		if err := c.LoadFirmware(f.fw); err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
	}
	if allocs, frees, _ := f.dev.CoherentStats(); allocs != 3 || frees != 3 {
		t.Errorf("coherent buffers: allocs=%d frees=%d, want 3/3", allocs, frees)
	}
}

func TestLoadFirmware_NotMapped(t *testing.T) {
	f := newFixture(t, sim.Behavior{Fault: sim.FaultMap})
	c, err := Acquire(f.dev, f.opts...)
	if err == nil {
		t.Fatal("expected Acquire to fail")
	}
	defer c.Teardown()

	if err := c.LoadFirmware(f.fw); err == nil {
		t.Error("LoadFirmware should refuse an unmapped context")
	}
	if f.fw.Outstanding() != 0 {
		t.Error("firmware must not be requested without registers")
	}
}

func TestLoadFirmware_EmptyImage(t *testing.T) {
	f := newFixture(t, sim.Behavior{})
	f.fw.Add(f.cfg.FirmwareName, nil)

	_, err := Attach(f.dev, f.fw, f.opts...)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected ErrAllocation, got %v", err)
	}
	if allocs, _, _ := f.dev.CoherentStats(); allocs != 0 {
		t.Errorf("no buffer should be allocated for an empty image, got %d", allocs)
	}
	assertBalanced(t, f.dev)
}

func TestLoadFirmware_BufferOutsideMask(t *testing.T) {
	f := newFixture(t, sim.Behavior{DMABase: 0xfffc0000})

	_, err := Attach(f.dev, f.fw, f.opts...)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected ErrAllocation, got %v", err)
	}
	if f.dev.Attempts() != 0 {
		t.Error("download must not start with an unreachable buffer")
	}
	assertBalanced(t, f.dev)
}

func TestLoadFirmware_BufferAbove4GiB(t *testing.T) {
	f := newFixture(t, sim.Behavior{DMABase: 0x1_0000_0000})
	f.cfg.DMAMaskBits = 40

	_, err := Attach(f.dev, f.fw, f.opts...)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected ErrAllocation, got %v", err)
	}
	if f.dev.Attempts() != 0 {
		t.Error("download must not start with an address the register cannot hold")
	}
	if f.dev.Received() != nil {
		t.Error("device must not receive an image")
	}
	assertBalanced(t, f.dev)
}

// ──────────────────────────────────────────────
//  timeout bound
// ──────────────────────────────────────────────

func TestPollTimeout_Bound(t *testing.T) {
	timeout := 100 * time.Millisecond
	for _, interval := range []time.Duration{time.Millisecond, 7 * time.Millisecond, 40 * time.Millisecond, timeout} {
		t.Run(interval.String(), func(t *testing.T) {
			reads := 0
			start := time.Now()
			_, err := pollTimeout(func() uint32 { reads++; return 0 }, func(uint32) bool { return false }, interval, timeout)
			elapsed := time.Since(start)

			if !errors.Is(err, errPollTimeout) {
				t.Fatalf("expected errPollTimeout, got %v", err)
			}
			if elapsed < timeout || elapsed > timeout+slack {
				t.Errorf("returned after %v, want within [%v, %v]", elapsed, timeout, timeout+slack)
			}
			if reads < 2 {
				t.Errorf("expected at least 2 reads, got %d", reads)
			}
		})
	}
}

func TestPollTimeout_ImmediateSuccess(t *testing.T) {
	reads := 0
	val, err := pollTimeout(func() uint32 { reads++; return 7 }, func(v uint32) bool { return v == 7 }, time.Millisecond, time.Second)
	if err != nil || val != 7 {
		t.Fatalf("pollTimeout = %d, %v; want 7, nil", val, err)
	}
	if reads != 1 {
		t.Errorf("reads = %d, want 1", reads)
	}
}

func TestPollTimeout_LastChanceRead(t *testing.T) {
	// the condition only becomes true after the deadline has passed
	deadline := time.Now().Add(20 * time.Millisecond)
	val, err := pollTimeout(func() uint32 {
		if time.Now().After(deadline) {
			return 1
		}
		return 0
	}, func(v uint32) bool { return v == 1 }, 50*time.Millisecond, 20*time.Millisecond)
	if err != nil || val != 1 {
		t.Errorf("pollTimeout = %d, %v; want 1, nil", val, err)
	}
}

func TestAttach_AckTimeoutBoundPerInterval(t *testing.T) {
	for _, interval := range []time.Duration{time.Millisecond, 10 * time.Millisecond, 33 * time.Millisecond} {
		t.Run(interval.String(), func(t *testing.T) {
			f := newFixture(t, sim.Behavior{NeverAck: true})
			f.cfg.Timing.PollInterval.Duration = interval

			start := time.Now()
			_, err := Attach(f.dev, f.fw, f.opts...)
			if !errors.Is(err, ErrAckTimeout) {
				t.Fatalf("expected ErrAckTimeout, got %v", err)
			}
			if elapsed, bound := time.Since(start), f.cfg.Timing.AckTimeout.Duration; elapsed > bound+slack {
				t.Errorf("returned after %v, bound is %v", elapsed, bound)
			}
		})
	}
}

// ──────────────────────────────────────────────
//  teardown
// ──────────────────────────────────────────────

func TestTeardown_Idempotent(t *testing.T) {
	f := newFixture(t, sim.Behavior{})
	c, err := Attach(f.dev, f.fw, f.opts...)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	c.Detach()
	released := len(f.dev.Releases())
	c.Teardown()
	c.Detach()

	if got := len(f.dev.Releases()); got != released {
		t.Errorf("repeated teardown released %d more resources", got-released)
	}
	if len(c.Acquired()) != 0 {
		t.Errorf("Acquired() = %v after teardown, want empty", c.Acquired())
	}
	assertBalanced(t, f.dev)
}

func TestTeardown_Order(t *testing.T) {
	f := newFixture(t, sim.Behavior{})
	c, err := Attach(f.dev, f.fw, f.opts...)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	c.Detach()

	want := []string{"irq-handler", "irq-vectors", "registers", "regions", "device"}
	if diff := cmp.Diff(want, f.dev.Releases()); diff != "" {
		t.Errorf("teardown order mismatch (-want +got):\n%s", diff)
	}
	if f.dev.Master() {
		t.Error("bus mastering should be off after detach")
	}
}

func TestTeardown_NilContext(t *testing.T) {
	var c *Context
	c.Teardown()
	c.Detach()
	if c.Acquired() != nil {
		t.Error("nil context should hold nothing")
	}
}

func TestAcquire_InvalidConfig(t *testing.T) {
	f := newFixture(t, sim.Behavior{})
	f.cfg.Registers.DLCtrlAck = 0

	_, err := Attach(f.dev, f.fw, f.opts...)
	if err == nil {
		t.Fatal("expected error for invalid configuration")
	}
	if ev := f.dev.Events(); len(ev) != 0 {
		t.Errorf("device must not be touched with an invalid configuration, got %v", ev)
	}
}

// ──────────────────────────────────────────────
//  interrupt handler
// ──────────────────────────────────────────────

func TestHandler_AcknowledgesInterrupts(t *testing.T) {
	f := newFixture(t, sim.Behavior{Vector: 57, VectorClass: types.VectorLegacy})
	c, err := Attach(f.dev, f.fw, f.opts...)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		ret, ok := f.dev.Fire()
		if !ok || ret != types.IRQHandled {
			t.Fatalf("Fire() = %v, %v; want IRQHandled, true", ret, ok)
		}
	}
	if c.IRQHits() != 3 {
		t.Errorf("IRQHits = %d, want 3", c.IRQHits())
	}
	if !f.hasMessage("IRQ hit (vec=57)") {
		t.Error("handler should log the vector it served")
	}
	if _, class, _ := c.Vector(); class != types.VectorLegacy {
		t.Errorf("class = %s, want legacy", class)
	}

	c.Detach()
	if _, ok := f.dev.Fire(); ok {
		t.Error("no handler should be bound after detach")
	}
}

// ──────────────────────────────────────────────
//  errors
// ──────────────────────────────────────────────

func TestAcquireError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&AcquireError{Stage: StageRegions, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("AcquireError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "regions") {
		t.Errorf("message should name the stage, got %q", err)
	}
}

func TestErrnoCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", unix.EACCES), -int(unix.EACCES)},
		{errors.New("plain"), -int(unix.ENOENT)},
	}
	for _, tc := range tests {
		if got := errnoCode(tc.err); got != tc.want {
			t.Errorf("errnoCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
