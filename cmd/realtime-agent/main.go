// Command realtime-agent wires the realtime conversational core (Wake
// Stage, Agent, Supervisor, Device Coordinator) into a running process. It
// is the module's only entrypoint.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/noiacore/noiacore/pkg/bus"
	"github.com/noiacore/noiacore/pkg/config"
	"github.com/noiacore/noiacore/pkg/device"
	"github.com/noiacore/noiacore/pkg/rtlog"
	"github.com/noiacore/noiacore/pkg/supervisor"
)

// SampleRate is the capture rate for both the wake stage and the agent. The
// wake stage hands captured frames to the 16kHz wake engine without
// resampling; the agent resamples to its VAD (16kHz) and uplink (24kHz)
// rates.
const SampleRate = 16000

func main() {
	logger := rtlog.NewStdLogger()

	appCfg, err := config.Load()
	if err != nil {
		log.Fatalf("realtime-agent: %v", err)
	}

	b := bus.New(logger)

	led := &consoleLED{}
	call := &consoleCallState{}
	mixer := device.NewMixer(&consoleVolumeDriver{}, appCfg.StartupVolume)
	device.New(b, led, call, mixer)

	sup, err := supervisor.New(appCfg, b, logger, SampleRate)
	if err != nil {
		log.Fatalf("realtime-agent: build supervisor: %v", err)
	}
	defer sup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nrealtime-agent: shutting down...")
		b.Publish(bus.FromSender(bus.Shutdown, nil))
		cancel()
	}()

	fmt.Printf("realtime-agent: %d agent(s) configured, listening for wake words (Ctrl+C to exit)\n", len(appCfg.Agents))
	sup.Run(ctx)
}

// consoleLED prints the resolved colour/brightness in place of real GPIO/HID
// LED hardware, matching the donor's meter-bar console feedback style.
type consoleLED struct {
	last device.RGB
}

func (c *consoleLED) SetColor(rgb device.RGB, brightness uint8) {
	if rgb == c.last {
		return
	}
	c.last = rgb
	fmt.Printf("\r\033[K[LED] rgb(%d,%d,%d) @ %d\n", rgb.R, rgb.G, rgb.B, brightness)
}

// consoleCallState prints USB-HID call-state transitions in place of real
// speakerphone hardware.
type consoleCallState struct {
	active bool
}

func (c *consoleCallState) SetActive(active bool) {
	if active == c.active {
		return
	}
	c.active = active
	fmt.Printf("\r\033[K[CALL STATE] active=%v\n", active)
}

// consoleVolumeDriver stands in for a real hardware mixer: it just tracks
// the last value Mixer pushed through the perceptual curve.
type consoleVolumeDriver struct {
	value float64
}

func (c *consoleVolumeDriver) SetHardwareVolume(v float64) {
	c.value = v
	fmt.Printf("\r\033[K[VOLUME] hardware=%.1f/100\n", v)
}

func (c *consoleVolumeDriver) HardwareVolume() float64 { return c.value }
func (c *consoleVolumeDriver) HardwareMax() float64    { return 100 }
