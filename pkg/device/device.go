// Package device implements the Device Coordinator (C10): it subscribes to
// the event bus and resolves every published transition into the LED
// colour/brightness the device should show and the USB-HID speakerphone
// call-state it should hold, per the fixed priority order of spec §4.10.
//
// No example repo in the retrieval pack implements an LED/HID speakerphone
// controller; this package is built fresh in the donor's general idiom
// (typed event-handler struct subscribing to the bus, switch-based priority
// resolution mirroring cmd/agent/main.go's switch sttProviderName /
// switch llmProviderName provider-selection style) rather than lifted from
// any one file.
package device

import (
	"sync"

	"github.com/noiacore/noiacore/pkg/bus"
)

// RGB is one LED colour sample.
type RGB struct {
	R, G, B uint8
}

// Fixed palette, spec §4.10.
var (
	ColorOff        = RGB{0, 0, 0}
	ColorRed        = RGB{255, 0, 0}
	ColorBlue       = RGB{0, 0, 255}
	ColorLightGreen = RGB{144, 238, 144}
	ColorOrange     = RGB{255, 165, 0}
	ColorYellow     = RGB{255, 255, 0}
	ColorWhite      = RGB{255, 255, 255}
)

// LED is the injected display sink. Brightness is 0..255, applied to
// whichever colour the coordinator resolves (talk-level green is the only
// state that varies it; every other state is full brightness).
type LED interface {
	SetColor(c RGB, brightness uint8)
}

// CallState is the injected USB-HID speakerphone call-state sink.
type CallState interface {
	SetActive(active bool)
}

// state is the Device Coordinator's resolved-from-bus-events snapshot.
type state struct {
	shutdown         bool
	errorActive      bool
	functionInvoking bool
	talkLevel        *int // 0..255, nil when not speaking
	listening        bool
	wakeWordDetected bool
	noiseDetected    bool
	nightMode        bool
}

// Coordinator maps bus events to LED and call-state output. Construct with
// New, which subscribes it to the bus immediately.
type Coordinator struct {
	mu    sync.Mutex
	state state

	led   LED
	call  CallState
	mixer *Mixer
}

// New builds a Coordinator subscribed to b. led/call may be nil (resolved
// state is simply dropped), letting callers wire only what hardware they
// actually have.
func New(b *bus.Bus, led LED, call CallState, mixer *Mixer) *Coordinator {
	c := &Coordinator{led: led, call: call, mixer: mixer}
	for _, t := range []bus.EventType{
		bus.Shutdown, bus.SystemError, bus.SystemOk,
		bus.FunctionInvoking, bus.FunctionInvoked,
		bus.TalkLevel, bus.StartListening, bus.StopListening,
		bus.WakeWordDetected, bus.NoiseDetected, bus.SilenceDetected,
		bus.NightModeActivated, bus.NightModeDeactivated,
		bus.VolumeCtrlUp, bus.VolumeCtrlDown,
	} {
		b.Subscribe(t, c.handle)
	}
	return c
}

func (c *Coordinator) handle(ev bus.Event) {
	c.mu.Lock()
	switch ev.Type {
	case bus.Shutdown:
		c.state.shutdown = true
		if c.call != nil {
			c.call.SetActive(false)
		}
	case bus.SystemError:
		c.state.errorActive = true
	case bus.SystemOk:
		c.state.errorActive = false
	case bus.FunctionInvoking:
		c.state.functionInvoking = true
	case bus.FunctionInvoked:
		c.state.functionInvoking = false
	case bus.TalkLevel:
		c.state.talkLevel = ev.Level
	case bus.StartListening:
		c.state.listening = true
		if c.call != nil {
			c.call.SetActive(true)
		}
	case bus.StopListening:
		c.state.listening = false
		c.state.talkLevel = nil
		if c.call != nil {
			c.call.SetActive(false)
		}
	case bus.WakeWordDetected:
		c.state.wakeWordDetected = true
	case bus.NoiseDetected:
		c.state.noiseDetected = true
	case bus.SilenceDetected:
		c.state.noiseDetected = false
	case bus.NightModeActivated:
		c.state.nightMode = true
	case bus.NightModeDeactivated:
		c.state.nightMode = false
	case bus.VolumeCtrlUp:
		if c.mixer != nil {
			c.mixer.Step(1)
		}
	case bus.VolumeCtrlDown:
		if c.mixer != nil {
			c.mixer.Step(-1)
		}
	}

	color, brightness := resolve(c.state)
	c.mu.Unlock()

	if c.led != nil {
		c.led.SetColor(color, brightness)
	}

	// WakeWordDetected is transient: the next bus event no longer sees it
	// asserted unless re-published. NoiseDetected holds until
	// SilenceDetected.
	if ev.Type == bus.WakeWordDetected {
		c.mu.Lock()
		c.state.wakeWordDetected = false
		c.mu.Unlock()
	}
}

// resolve implements the fixed LED priority order of spec §4.10, highest
// first.
func resolve(s state) (RGB, uint8) {
	switch {
	case s.shutdown:
		return ColorOff, 255
	case s.errorActive:
		return ColorRed, 255
	case s.functionInvoking:
		return ColorBlue, 255
	case s.talkLevel != nil:
		return RGB{0, 255, 0}, clampLevel(*s.talkLevel)
	case s.listening:
		return ColorLightGreen, 255
	case s.wakeWordDetected:
		return ColorOrange, 255
	case s.noiseDetected:
		return ColorYellow, 255
	case s.nightMode:
		return ColorOff, 255
	default:
		return ColorWhite, 255
	}
}

func clampLevel(level int) uint8 {
	if level < 0 {
		return 0
	}
	if level > 255 {
		return 255
	}
	return uint8(level)
}
