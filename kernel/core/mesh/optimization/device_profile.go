package optimization

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// NetworkClass is the link type reported by the device sensors.
type NetworkClass int

const (
	NetworkUnknown NetworkClass = iota
	NetworkWiFi
	Network4G
	Network5G
)

func (n NetworkClass) String() string {
	switch n {
	case NetworkWiFi:
		return "wifi"
	case Network4G:
		return "4g"
	case Network5G:
		return "5g"
	default:
		return "unknown"
	}
}

// ParseNetworkClass maps a sensor string to a NetworkClass. Unrecognised
// values are NetworkUnknown.
func ParseNetworkClass(s string) NetworkClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi", "wi-fi", "ethernet":
		return NetworkWiFi
	case "4g", "lte":
		return Network4G
	case "5g":
		return Network5G
	default:
		return NetworkUnknown
	}
}

// BandwidthFactor scales the configured bandwidth budgets.
func (n NetworkClass) BandwidthFactor() float64 {
	switch n {
	case NetworkWiFi:
		return 1.0
	case Network5G:
		return 0.5
	case Network4G:
		return 0.3
	default:
		return 0.2
	}
}

// AllowsDenseSnapshot reports whether full snapshots may be published.
func (n NetworkClass) AllowsDenseSnapshot() bool {
	return n == NetworkWiFi
}

// NeighborCap bounds the neighbour count on metered links. Zero means no cap.
func (n NetworkClass) NeighborCap() int {
	switch n {
	case NetworkWiFi:
		return 0
	case Network5G:
		return 6
	case Network4G:
		return 4
	default:
		return 3
	}
}

// BatteryState is the battery reading; Level is in [0,1].
type BatteryState struct {
	Level    float64 `json:"level" mapstructure:"level"`
	Charging bool    `json:"charging" mapstructure:"charging"`
}

// DeviceFacts are the raw capability facts supplied by the sensors
// collaborator. A nil Battery means unknown, treated as a plugged-in desktop.
type DeviceFacts struct {
	MemoryMB          int           `json:"memory_mb" mapstructure:"memory_mb"`
	AvailableMemoryMB int           `json:"available_memory_mb" mapstructure:"available_memory_mb"` // 0 = unknown
	CPUCores          int           `json:"cpu_cores" mapstructure:"cpu_cores"`
	Network           NetworkClass  `json:"network" mapstructure:"-"`
	Battery           *BatteryState `json:"battery,omitempty" mapstructure:"battery"`
}

// DesktopFacts is the default profile for hosts without sensors.
func DesktopFacts() DeviceFacts {
	return DeviceFacts{MemoryMB: 2048, CPUCores: 4, Network: NetworkWiFi}
}

// FactsPreset returns the facts of a named device class: desktop, low, mid
// or high.
func FactsPreset(name string) (DeviceFacts, error) {
	switch strings.ToLower(name) {
	case "", "desktop":
		return DesktopFacts(), nil
	case "low":
		return DeviceFacts{MemoryMB: 512, CPUCores: 2, Network: Network4G,
			Battery: &BatteryState{Level: 0.5}}, nil
	case "mid":
		return DeviceFacts{MemoryMB: 1024, CPUCores: 4, Network: Network5G,
			Battery: &BatteryState{Level: 0.7}}, nil
	case "high":
		return DeviceFacts{MemoryMB: 2048, CPUCores: 8, Network: NetworkWiFi,
			Battery: &BatteryState{Level: 0.9, Charging: true}}, nil
	default:
		return DeviceFacts{}, fmt.Errorf("unknown device preset %q", name)
	}
}

// Tuning holds the constants DeviceProfile maps facts through.
type Tuning struct {
	BaseTickInterval time.Duration `json:"base_tick_interval" mapstructure:"base_tick_interval"`
	MinModelDim      int           `json:"min_model_dim" mapstructure:"min_model_dim"`
	MaxModelDim      int           `json:"max_model_dim" mapstructure:"max_model_dim"`
	MaxNeighbors     int           `json:"max_neighbors" mapstructure:"max_neighbors"`
	PauseBattery     float64       `json:"pause_battery" mapstructure:"pause_battery"`
	LowBattery       float64       `json:"low_battery" mapstructure:"low_battery"`
	MidBattery       float64       `json:"mid_battery" mapstructure:"mid_battery"`
	// MemoryPressureMB is the floor of the memory-pressure threshold.
	MemoryPressureMB int `json:"memory_pressure_mb" mapstructure:"memory_pressure_mb"`
}

// DefaultTuning returns the default mapping constants.
func DefaultTuning() Tuning {
	return Tuning{
		BaseTickInterval: 10 * time.Second,
		MinModelDim:      64,
		MaxModelDim:      4096,
		MaxNeighbors:     8,
		PauseBattery:     0.10,
		LowBattery:       0.20,
		MidBattery:       0.50,
		MemoryPressureMB: 128,
	}
}

// Validate checks the tuning constants.
func (t Tuning) Validate() error {
	if t.BaseTickInterval <= 0 {
		return fmt.Errorf("base_tick_interval must be positive")
	}
	if t.MinModelDim <= 0 || t.MaxModelDim < t.MinModelDim {
		return fmt.Errorf("model dim bounds invalid: [%d, %d]", t.MinModelDim, t.MaxModelDim)
	}
	if t.MaxNeighbors <= 0 {
		return fmt.Errorf("max_neighbors must be positive")
	}
	if !(t.PauseBattery <= t.LowBattery && t.LowBattery <= t.MidBattery && t.MidBattery <= 1) {
		return fmt.Errorf("battery thresholds must be ordered pause <= low <= mid <= 1")
	}
	return nil
}

// DeviceProfile maps DeviceFacts to tuning knobs. It holds no state beyond
// its inputs; build a new one whenever a fact changes.
type DeviceProfile struct {
	Facts  DeviceFacts
	Tuning Tuning
}

// NewDeviceProfile builds a profile over facts.
func NewDeviceProfile(facts DeviceFacts, tuning Tuning) DeviceProfile {
	return DeviceProfile{Facts: facts, Tuning: tuning}
}

// RecommendedModelDim sizes the parameter vector from memory: half the memory
// is reserved for the system, and each coordinate costs 8 bytes (param plus
// residual).
func (p DeviceProfile) RecommendedModelDim() int {
	availableBytes := (p.Facts.MemoryMB / 2) * 1024 * 1024
	dim := availableBytes / 8
	if dim < p.Tuning.MinModelDim {
		return p.Tuning.MinModelDim
	}
	if dim > p.Tuning.MaxModelDim {
		return p.Tuning.MaxModelDim
	}
	return dim
}

// RecommendedNeighbors scales with CPU cores and is capped on cellular links.
func (p DeviceProfile) RecommendedNeighbors() int {
	n := 4
	switch {
	case p.Facts.CPUCores >= 8:
		n = 8
	case p.Facts.CPUCores >= 4:
		n = 6
	}
	if c := p.Facts.Network.NeighborCap(); c > 0 && n > c {
		n = c
	}
	if p.Tuning.MaxNeighbors > 0 && n > p.Tuning.MaxNeighbors {
		n = p.Tuning.MaxNeighbors
	}
	return n
}

// RecommendedFailoverPool is half the neighbour count, at least one.
func (p DeviceProfile) RecommendedFailoverPool() int {
	m := p.RecommendedNeighbors() / 2
	if m < 1 {
		m = 1
	}
	return m
}

// TickInterval stretches the base interval as the battery drains.
func (p DeviceProfile) TickInterval() time.Duration {
	base := p.Tuning.BaseTickInterval
	b := p.Facts.Battery
	if b == nil || b.Charging || b.Level > p.Tuning.MidBattery {
		return base
	}
	if b.Level > p.Tuning.LowBattery {
		return 3 * base
	}
	return 6 * base
}

// ShouldPauseTraining is true only on a low battery that is not charging.
func (p DeviceProfile) ShouldPauseTraining() bool {
	b := p.Facts.Battery
	return b != nil && !b.Charging && b.Level < p.Tuning.PauseBattery
}

// MemoryPressureThresholdMB is the available-memory level below which the
// update engine should shrink K.
func (p DeviceProfile) MemoryPressureThresholdMB() int {
	t := p.Facts.MemoryMB / 4
	if t < p.Tuning.MemoryPressureMB {
		t = p.Tuning.MemoryPressureMB
	}
	return t
}

// AllowsDenseSnapshot reports whether the current link permits dense sends.
func (p DeviceProfile) AllowsDenseSnapshot() bool {
	return p.Facts.Network.AllowsDenseSnapshot()
}

// ScaleBudget applies the network bandwidth factor to sparse message and
// dense byte budgets. Positive inputs never scale below one.
func (p DeviceProfile) ScaleBudget(sparse, denseBytes int) (int, int) {
	f := p.Facts.Network.BandwidthFactor()
	scale := func(v int) int {
		if v <= 0 {
			return v
		}
		s := int(math.Floor(float64(v)*f + 1e-9))
		if s < 1 {
			s = 1
		}
		return s
	}
	return scale(sparse), scale(denseBytes)
}
