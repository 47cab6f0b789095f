// Package audioroute models audio output routing for a call.
package audioroute

import (
	"errors"
	"sync"
)

type DeviceClass string

const (
	Speakerphone     DeviceClass = "speakerphone"
	Earpiece         DeviceClass = "earpiece"
	WiredHeadset     DeviceClass = "wired_headset"
	BluetoothHeadset DeviceClass = "bluetooth_headset"
)

// DefaultPreference is the route order used when a call connects.
var DefaultPreference = []DeviceClass{Speakerphone, WiredHeadset, BluetoothHeadset, Earpiece}

var (
	ErrUnavailable = errors.New("audioroute: device unavailable")
	ErrNotStarted  = errors.New("audioroute: selector not started")
)

// Selector controls the active output device.
type Selector interface {
	Start() error
	Stop() error
	Available() []DeviceClass
	Select(d DeviceClass) error
	Selected() (DeviceClass, bool)
}

// PickPreferred returns the first class in order that is available.
func PickPreferred(available, order []DeviceClass) (DeviceClass, bool) {
	for _, want := range order {
		for _, have := range available {
			if want == have {
				return want, true
			}
		}
	}
	return "", false
}

// StaticSelector is an in-memory Selector over a fixed device set.
// It stands in for host audio routing on servers and in tests.
type StaticSelector struct {
	mu       sync.Mutex
	devices  []DeviceClass
	started  bool
	selected DeviceClass
	history  []DeviceClass
	starts   int
	stops    int
}

func NewStaticSelector(devices ...DeviceClass) *StaticSelector {
	if len(devices) == 0 {
		devices = []DeviceClass{Speakerphone, Earpiece}
	}
	return &StaticSelector{devices: append([]DeviceClass(nil), devices...)}
}

func (s *StaticSelector) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.starts++
	return nil
}

// Stop releases the route and restores the default (nothing selected).
func (s *StaticSelector) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.selected = ""
	s.stops++
	return nil
}

func (s *StaticSelector) Available() []DeviceClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeviceClass(nil), s.devices...)
}

func (s *StaticSelector) Select(d DeviceClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	for _, have := range s.devices {
		if have == d {
			s.selected = d
			s.history = append(s.history, d)
			return nil
		}
	}
	return ErrUnavailable
}

func (s *StaticSelector) Selected() (DeviceClass, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.selected != ""
}

// SetDevices replaces the device set, e.g. when a headset is plugged in.
func (s *StaticSelector) SetDevices(devices ...DeviceClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append([]DeviceClass(nil), devices...)
}

// History returns every successful selection in order.
func (s *StaticSelector) History() []DeviceClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeviceClass(nil), s.history...)
}

// Counts returns how many times Start and Stop ran.
func (s *StaticSelector) Counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}
