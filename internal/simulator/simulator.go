// Package simulator implements the fault-injection test collaborator of
// spec §6: a process-global send-path interposer with drop, corruption,
// duplication, and latency knobs, translated from original_source/include/
// internal/testing/simulator.hpp and .cpp.
package simulator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/louisb0/rudp/internal/packet"
)

// Config is the simulator's knob set (spec §6). Drop, Corruption, and
// Duplication are probabilities in [0, 1]; MinLatencyMs/MaxLatencyMs
// define the uniform latency window.
type Config struct {
	Drop         float64
	Corruption   float64
	Duplication  float64
	MinLatencyMs uint16
	MaxLatencyMs uint16
}

// Simulator is the process-global handle interposing on every UDPEndpoint
// send once installed. The original source is a Meyer's singleton
// (simulator::instance()); Go's equivalent is a package-level variable
// guarded by a mutex rather than a function-local static.
type Simulator struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

var global = &Simulator{rng: rand.New(rand.NewSource(1))}

// Install wires the simulator into packet.SendInterceptor, the hook
// UDPEndpoint.Send consults before any transmission. Only test binaries
// should call this; production code paths never touch it.
func Install() {
	packet.SendInterceptor = global.intercept
}

// Uninstall detaches the simulator, restoring direct sends.
func Uninstall() {
	packet.SendInterceptor = nil
}

// Configure replaces the simulator's knobs, matching simulator::reset()
// followed by field assignment in the original.
func Configure(cfg Config) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.cfg = cfg
}

// Reset clears every knob back to zero (simulator::reset()).
func Reset() {
	Configure(Config{})
}

// intercept is packet.SendInterceptor's implementation. send performs the
// real transmission; intercept may skip it (drop), mutate the payload
// in place (corruption), or schedule extra/delayed transmissions
// (duplication, latency) before returning.
//
// The original blocks the calling thread for the full latency window
// and, on duplication, an extra 5-25ms, inside sendto() itself. Doing that
// literally here would stall the single reactor thread for up to
// max_latency_ms on every send — this module's reactor thread must never
// block except in the readiness primitive (spec §5). So the delayed and
// duplicate transmissions run on a separate goroutine; the caller still
// observes the "apparent success" return spec §6 describes, and the
// delayed/duplicated packet still arrives on the wire later, which is the
// behavior scenario S3/S4 actually observe (elapsed wall time, not which
// goroutine slept).
func (s *Simulator) intercept(send func([]byte) (int, error), to packet.PeerAddr, b []byte) (int, error) {
	data := append([]byte(nil), b...)

	s.mu.Lock()
	drop := s.roll(s.cfg.Drop)
	corrupted := s.roll(s.cfg.Corruption)
	if corrupted {
		corrupt(data, s.rng)
	}
	latency := s.sampleLatency(s.cfg)
	duplicate := s.roll(s.cfg.Duplication)
	dupDelay := time.Duration(5+s.rng.Intn(20)) * time.Millisecond
	s.mu.Unlock()

	if drop {
		return len(b), nil
	}
	if latency == 0 && !duplicate {
		return send(data)
	}

	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		if _, err := send(data); err != nil {
			return
		}
		if duplicate {
			time.Sleep(dupDelay)
			_, _ = send(data)
		}
	}()
	return len(b), nil
}

// roll and sampleLatency must be called with mu held; they exist only to
// keep intercept's locked section readable.
func (s *Simulator) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	return s.rng.Float64() < p
}

func (s *Simulator) sampleLatency(cfg Config) time.Duration {
	if cfg.MaxLatencyMs == 0 {
		return 0
	}
	if cfg.MaxLatencyMs < cfg.MinLatencyMs {
		panic("simulator: MaxLatencyMs < MinLatencyMs")
	}
	span := int(cfg.MaxLatencyMs) - int(cfg.MinLatencyMs)
	ms := int(cfg.MinLatencyMs)
	if span > 0 {
		ms += s.rng.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// corrupt flips 1-3 random bytes to random values, matching the
// original's corrupt() helper exactly (1 to min(3, len) corruptions,
// uniform position and value).
func corrupt(data []byte, rng *rand.Rand) {
	if len(data) == 0 {
		return
	}
	max := 3
	if len(data) < max {
		max = len(data)
	}
	n := 1 + rng.Intn(max)
	for i := 0; i < n; i++ {
		pos := rng.Intn(len(data))
		data[pos] = byte(rng.Intn(256))
	}
}
