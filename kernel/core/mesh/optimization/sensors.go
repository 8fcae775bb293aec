package optimization

import "sync"

// Sensors supplies raw device facts. The engine never queries the OS
// directly; platform bindings implement this.
type Sensors interface {
	Facts() DeviceFacts
}

// StaticSensors is a Sensors whose facts are pushed in by the host, e.g. on
// network-change or battery events.
type StaticSensors struct {
	mu    sync.RWMutex
	facts DeviceFacts
}

// NewStaticSensors starts from the given facts.
func NewStaticSensors(facts DeviceFacts) *StaticSensors {
	return &StaticSensors{facts: cloneFacts(facts)}
}

func (s *StaticSensors) Facts() DeviceFacts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFacts(s.facts)
}

func (s *StaticSensors) SetNetwork(n NetworkClass) {
	s.mu.Lock()
	s.facts.Network = n
	s.mu.Unlock()
}

// SetBattery records a battery reading; nil clears it (desktop).
func (s *StaticSensors) SetBattery(b *BatteryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == nil {
		s.facts.Battery = nil
		return
	}
	cp := *b
	if cp.Level < 0 {
		cp.Level = 0
	} else if cp.Level > 1 {
		cp.Level = 1
	}
	s.facts.Battery = &cp
}

func (s *StaticSensors) SetAvailableMemory(mb int) {
	s.mu.Lock()
	s.facts.AvailableMemoryMB = mb
	s.mu.Unlock()
}

func cloneFacts(f DeviceFacts) DeviceFacts {
	if f.Battery != nil {
		b := *f.Battery
		f.Battery = &b
	}
	return f
}
