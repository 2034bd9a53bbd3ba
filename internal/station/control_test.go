package station

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/powerstation-simulator/internal/events"
)

type recordingController struct {
	calls []bool
}

func (r *recordingController) Control(start bool) { r.calls = append(r.calls, start) }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    Command
		wantErr bool
	}{
		{"1", CommandStart, false},
		{"0", CommandStop, false},
		{" 1\n", CommandStart, false},
		{"\t0 ", CommandStop, false},
		{"foo", 0, true},
		{"", 0, true},
		{"10", 0, true},
		{"start", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCommand([]byte(tt.payload))
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownCommand) {
				t.Errorf("ParseCommand(%q) error = %v, want ErrUnknownCommand", tt.payload, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCommand(%q) error = %v", tt.payload, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCommand(%q) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}

func TestCommandString(t *testing.T) {
	if CommandStart.String() != "start" || CommandStop.String() != "stop" {
		t.Errorf("got %q/%q, want start/stop", CommandStart, CommandStop)
	}
}

func TestControlIngress_Forwards(t *testing.T) {
	ctl := &recordingController{}
	in := NewControlIngress(ctl, nil, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	in.HandleMessage("c", []byte("1"))
	in.HandleMessage("c", []byte("1"))
	in.HandleMessage("c", []byte(" 0 "))

	want := []bool{true, true, false}
	if len(ctl.calls) != len(want) {
		t.Fatalf("Control called %d times, want %d", len(ctl.calls), len(want))
	}
	for i := range want {
		if ctl.calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, ctl.calls[i], want[i])
		}
	}
}

func TestControlIngress_UnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	ctl := &recordingController{}
	in := NewControlIngress(ctl, bus, logger)
	in.HandleMessage("smartgrid/powerstation/PS_001/control", []byte("foo"))

	if len(ctl.calls) != 0 {
		t.Errorf("unknown command reached the controller: %v", ctl.calls)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("expected a warning, got: %s", out)
	}
	if strings.Contains(out, "level=ERROR") {
		t.Errorf("unknown command must not log an error, got: %s", out)
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindUnknownCommand || e.Data["payload"] != "foo" {
			t.Errorf("got event %+v, want unknown_command with payload foo", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unknown_command event")
	}
}

func TestSimulatorControl_StartThenStop(t *testing.T) {
	sim := newTestSimulator(t, newFakeChannel(), time.Hour)
	sim.State().setOnline(true)

	in := sim.control
	in.HandleMessage(sim.Topics().Control, []byte("1"))
	in.HandleMessage(sim.Topics().Control, []byte("0"))

	if sim.State().Running() {
		t.Error("running = true after \"1\" then \"0\"")
	}
}

func TestSimulatorControl_UnknownLeavesStateUnchanged(t *testing.T) {
	sim := newTestSimulator(t, newFakeChannel(), time.Hour)
	sim.State().setOnline(true)
	sim.Control(true)

	sim.control.HandleMessage(sim.Topics().Control, []byte("foo"))

	if !sim.State().Running() {
		t.Error("unknown command changed running state")
	}
}

func TestSimulatorControl_IdempotentIsLogged(t *testing.T) {
	var buf bytes.Buffer
	sim := newTestSimulator(t, newFakeChannel(), time.Hour)
	sim.logger = slog.New(slog.NewTextHandler(&buf, nil))
	sim.State().setOnline(true)

	sim.Control(false)
	sim.Control(false)

	if got := strings.Count(buf.String(), "station stopped"); got != 2 {
		t.Errorf("logged %d stop events, want 2:\n%s", got, buf.String())
	}
}

func TestSimulatorControl_StartRefusedOffline(t *testing.T) {
	var buf bytes.Buffer
	sim := newTestSimulator(t, newFakeChannel(), time.Hour)
	sim.logger = slog.New(slog.NewTextHandler(&buf, nil))

	sim.Control(true)

	if sim.State().Running() {
		t.Error("Control(true) while offline set running")
	}
	if !strings.Contains(buf.String(), "offline") {
		t.Errorf("expected offline warning, got: %s", buf.String())
	}
}
