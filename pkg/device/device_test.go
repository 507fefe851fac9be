package device

import (
	"testing"

	"github.com/noiacore/noiacore/pkg/bus"
)

type fakeLED struct {
	color      RGB
	brightness uint8
	calls      int
}

func (f *fakeLED) SetColor(c RGB, brightness uint8) {
	f.color = c
	f.brightness = brightness
	f.calls++
}

type fakeCallState struct {
	active bool
	calls  int
}

func (f *fakeCallState) SetActive(active bool) {
	f.active = active
	f.calls++
}

func TestErrorOutranksListeningButNotShutdown(t *testing.T) {
	b := bus.New(nil)
	led := &fakeLED{}
	New(b, led, nil, nil)

	b.Publish(bus.FromSender(bus.StartListening, nil))
	if led.color != ColorLightGreen {
		t.Fatalf("color = %+v, want LightGreen", led.color)
	}

	b.Publish(bus.Event{Type: bus.SystemError, Message: "boom"})
	if led.color != ColorRed {
		t.Fatalf("color = %+v, want Red once an error is active", led.color)
	}

	b.Publish(bus.FromSender(bus.Shutdown, nil))
	if led.color != ColorOff {
		t.Fatalf("color = %+v, want Off on shutdown even with an active error", led.color)
	}
}

func TestTalkLevelOutranksListeningWithScaledBrightness(t *testing.T) {
	b := bus.New(nil)
	led := &fakeLED{}
	New(b, led, nil, nil)

	b.Publish(bus.FromSender(bus.StartListening, nil))

	level := 128
	b.Publish(bus.Event{Type: bus.TalkLevel, Level: &level})

	if led.color != (RGB{0, 255, 0}) {
		t.Fatalf("color = %+v, want green", led.color)
	}
	if led.brightness != 128 {
		t.Fatalf("brightness = %d, want 128", led.brightness)
	}
}

func TestStopListeningClearsTalkLevelAndCallState(t *testing.T) {
	b := bus.New(nil)
	led := &fakeLED{}
	call := &fakeCallState{}
	New(b, led, call, nil)

	b.Publish(bus.FromSender(bus.StartListening, nil))
	if !call.active {
		t.Fatal("expected call state active after StartListening")
	}

	level := 200
	b.Publish(bus.Event{Type: bus.TalkLevel, Level: &level})

	b.Publish(bus.FromSender(bus.StopListening, nil))
	if call.active {
		t.Fatal("expected call state cleared after StopListening")
	}
	if led.color != ColorWhite {
		t.Fatalf("color = %+v, want default White once listening and talk-level both clear", led.color)
	}
}

func TestWakeWordDetectedIsTransient(t *testing.T) {
	b := bus.New(nil)
	led := &fakeLED{}
	New(b, led, nil, nil)

	b.Publish(bus.Event{Type: bus.WakeWordDetected, WakeWord: "hey-home"})
	if led.color != ColorOrange {
		t.Fatalf("color = %+v, want Orange right after WakeWordDetected", led.color)
	}

	b.Publish(bus.FromSender(bus.NoiseDetected, nil))
	if led.color != ColorYellow {
		t.Fatalf("color = %+v, want Yellow once WakeWordDetected has cleared", led.color)
	}
}

func TestNightModeFallsBelowNoiseDetected(t *testing.T) {
	b := bus.New(nil)
	led := &fakeLED{}
	New(b, led, nil, nil)

	b.Publish(bus.FromSender(bus.NightModeActivated, nil))
	if led.color != ColorOff {
		t.Fatalf("color = %+v, want Off under night mode", led.color)
	}

	b.Publish(bus.FromSender(bus.NoiseDetected, nil))
	if led.color != ColorYellow {
		t.Fatalf("color = %+v, want Yellow: noise detection outranks night mode", led.color)
	}
}
