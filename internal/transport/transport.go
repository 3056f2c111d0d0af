// Package transport is the boundary to the physical ECU link. The engine
// only depends on the Transport interface; Simulator is an in-memory ECU.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rsclarke/flashguard/internal/calibration"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrLinkDown       = errors.New("device link down")
	ErrWriteFailed    = errors.New("device write failed")
	ErrRestoreFailed  = errors.New("device restore failed")
)

// Identity is what the device reports about its current calibration.
type Identity struct {
	FirmwareID string `json:"firmware_id"`
	Checksum   string `json:"checksum"`
}

// Transport talks to an ECU. Write is the only long-running call and must
// return promptly once ctx is cancelled.
type Transport interface {
	Ping(ctx context.Context, deviceID string) error
	ReadImage(ctx context.Context, deviceID string) ([]byte, error)
	Write(ctx context.Context, deviceID string, image []byte) error
	ReadIdentity(ctx context.Context, deviceID string) (Identity, error)
	Restore(ctx context.Context, deviceID string, image []byte) error
}

// Faults selects the failures a Simulator injects.
type Faults struct {
	Ping    bool
	Write   bool
	Verify  bool
	Restore bool
}

type simDevice struct {
	image    []byte
	firmware string
}

// Simulator is an in-memory Transport with fault injection.
type Simulator struct {
	mu         sync.Mutex
	devices    map[string]*simDevice
	faults     Faults
	writeDelay time.Duration
	gate       chan struct{}
	started    chan struct{}
	writes     int
	restores   int
}

// NewSimulator returns a simulator with no devices.
func NewSimulator() *Simulator {
	return &Simulator{devices: make(map[string]*simDevice)}
}

// AddDevice attaches a device holding image.
func (s *Simulator) AddDevice(id string, image []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[id] = &simDevice{image: append([]byte(nil), image...), firmware: "stock"}
}

// SetFaults replaces the injected faults.
func (s *Simulator) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// SetWriteDelay makes each write take d.
func (s *Simulator) SetWriteDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDelay = d
}

// BlockWrites holds the next writes until release is called. The returned
// channel is closed once a write is waiting.
func (s *Simulator) BlockWrites() (started <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gate = gate
	s.started = make(chan struct{})
	var once sync.Once
	return s.started, func() { once.Do(func() { close(gate) }) }
}

// Image returns a copy of the device's current image.
func (s *Simulator) Image(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		return append([]byte(nil), d.image...)
	}
	return nil
}

// Writes returns the number of write attempts.
func (s *Simulator) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Restores returns the number of restore attempts.
func (s *Simulator) Restores() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restores
}

func (s *Simulator) device(id string) (*simDevice, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

func (s *Simulator) Ping(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.device(deviceID); err != nil {
		return err
	}
	if s.faults.Ping {
		return ErrLinkDown
	}
	return nil
}

func (s *Simulator) ReadImage(ctx context.Context, deviceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}
	if s.faults.Ping {
		return nil, ErrLinkDown
	}
	return append([]byte(nil), d.image...), nil
}

func (s *Simulator) Write(ctx context.Context, deviceID string, image []byte) error {
	s.mu.Lock()
	s.writes++
	gate, started, delay := s.gate, s.started, s.writeDelay
	s.gate, s.started = nil, nil
	s.mu.Unlock()

	if gate != nil {
		close(started)
		select {
		case <-gate:
		case <-ctx.Done():
			s.corrupt(deviceID, image)
			return fmt.Errorf("%w: %w", ErrWriteFailed, ctx.Err())
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			s.corrupt(deviceID, image)
			return fmt.Errorf("%w: %w", ErrWriteFailed, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		s.corrupt(deviceID, image)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.device(deviceID)
	if err != nil {
		return err
	}
	if s.faults.Write {
		d.image = append([]byte(nil), image[:len(image)/2]...)
		d.firmware = "partial"
		return ErrWriteFailed
	}
	d.image = append([]byte(nil), image...)
	d.firmware = "custom"
	return nil
}

// corrupt leaves half an image on the device, as an interrupted write would.
func (s *Simulator) corrupt(deviceID string, image []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.image = append([]byte(nil), image[:len(image)/2]...)
		d.firmware = "partial"
	}
}

func (s *Simulator) ReadIdentity(ctx context.Context, deviceID string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.device(deviceID)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{FirmwareID: d.firmware, Checksum: calibration.Checksum(d.image)}
	if s.faults.Verify {
		id.Checksum = calibration.Checksum(append([]byte("garbled:"), d.image...))
	}
	return id, nil
}

func (s *Simulator) Restore(ctx context.Context, deviceID string, image []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restores++
	d, err := s.device(deviceID)
	if err != nil {
		return err
	}
	if s.faults.Restore {
		return ErrRestoreFailed
	}
	d.image = append([]byte(nil), image...)
	d.firmware = "stock"
	return nil
}
