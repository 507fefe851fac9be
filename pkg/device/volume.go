package device

import (
	"math"
	"sync"
)

// perceptualExponent is the power-curve exponent spec §4.10 specifies for
// mapping a logical 0-10 volume onto the hardware range.
const perceptualExponent = 0.4

const (
	minLogicalVolume = 0
	maxLogicalVolume = 10
)

// VolumeDriver is the injected hardware volume sink/source. hardwareMax is
// whatever unit the driver's own scale uses (percent, raw DAC steps, ...);
// the mixer only ever deals in the 0..hardwareMax range it declares.
type VolumeDriver interface {
	SetHardwareVolume(v float64)
	HardwareVolume() float64
	HardwareMax() float64
}

// Mixer converts between the logical 0-10 volume the bus/UI speak in and
// the hardware driver's own range, using a perceptual power curve so equal
// logical steps sound like equal loudness steps.
type Mixer struct {
	mu      sync.Mutex
	driver  VolumeDriver
	logical int
}

// NewMixer builds a Mixer at startupVolume (spec §3 "App Configuration":
// startup volume 0-10), applying it to driver immediately.
func NewMixer(driver VolumeDriver, startupVolume int) *Mixer {
	m := &Mixer{driver: driver, logical: clampLogical(startupVolume)}
	m.apply()
	return m
}

func clampLogical(v int) int {
	if v < minLogicalVolume {
		return minLogicalVolume
	}
	if v > maxLogicalVolume {
		return maxLogicalVolume
	}
	return v
}

func (m *Mixer) apply() {
	if m.driver == nil {
		return
	}
	fraction := float64(m.logical) / maxLogicalVolume
	hardware := math.Pow(fraction, perceptualExponent) * m.driver.HardwareMax()
	m.driver.SetHardwareVolume(hardware)
}

// SetVolume sets the logical volume (0-10, clamped) and pushes it through
// the perceptual curve to the driver.
func (m *Mixer) SetVolume(logical int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logical = clampLogical(logical)
	m.apply()
}

// Step adjusts the logical volume by delta (VolumeCtrlUp/Down are ±1).
func (m *Mixer) Step(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logical = clampLogical(m.logical + delta)
	m.apply()
}

// GetPlaybackVolume reads the driver's current hardware volume back through
// the curve's inverse, returning the nearest logical 0-10 value.
func (m *Mixer) GetPlaybackVolume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driver == nil {
		return m.logical
	}
	hardwareMax := m.driver.HardwareMax()
	if hardwareMax <= 0 {
		return 0
	}
	fraction := m.driver.HardwareVolume() / hardwareMax
	if fraction < 0 {
		fraction = 0
	}
	logical := math.Pow(fraction, 1/perceptualExponent) * maxLogicalVolume
	return clampLogical(int(math.Round(logical)))
}
