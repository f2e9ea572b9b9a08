// Package balancer chooses a backend for each new client connection.
package balancer

import (
	"math"
	"sync"

	"github.com/migadu/balancer/config"
	"github.com/migadu/balancer/consts"
)

// Selector picks backends using one of the configured algorithms. DOWN
// backends are skipped unless every backend is DOWN, in which case each
// algorithm falls back to a deterministic degraded choice so the caller
// still gets a backend to try.
type Selector struct {
	mu        sync.Mutex
	algorithm string
	backends  []*Backend
	cursor    int
}

// NewSelector validates the algorithm name (aliases are accepted) and
// returns a selector over backends.
func NewSelector(algorithm string, backends []*Backend) (*Selector, error) {
	algo, err := config.NormalizeAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, consts.ErrNoBackends
	}
	return &Selector{
		algorithm: algo,
		backends:  backends,
		cursor:    len(backends) - 1,
	}, nil
}

// Algorithm returns the canonical algorithm name.
func (s *Selector) Algorithm() string { return s.algorithm }

// Backends returns the backend set in configuration order. The slice must
// not be modified.
func (s *Selector) Backends() []*Backend { return s.backends }

// Healthy returns the number of backends currently UP.
func (s *Selector) Healthy() int {
	n := 0
	for _, b := range s.backends {
		if b.Healthy() {
			n++
		}
	}
	return n
}

// Next returns the backend for a new connection from clientIP. It never
// returns nil.
func (s *Selector) Next(clientIP string) *Backend {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.algorithm {
	case config.AlgorithmWeightedRoundRobin:
		return s.weightedRoundRobin()
	case config.AlgorithmLeastConnections:
		return s.leastConnections()
	case config.AlgorithmIPHash:
		return s.ipHash(clientIP)
	default:
		return s.roundRobin()
	}
}

func (s *Selector) roundRobin() *Backend {
	n := len(s.backends)
	start := s.cursor
	for range n {
		s.cursor = (s.cursor + 1) % n
		if s.backends[s.cursor].Healthy() {
			return s.backends[s.cursor]
		}
	}
	s.cursor = (start + 1) % n
	return s.backends[s.cursor]
}

// weightedRoundRobin is the smooth variant: every UP backend gains its
// weight, the largest accumulated weight wins and pays back the total.
func (s *Selector) weightedRoundRobin() *Backend {
	var best *Backend
	total := 0
	for _, b := range s.backends {
		if !b.Healthy() {
			continue
		}
		b.currentWeight += b.Weight
		total += b.Weight
		if best == nil || b.currentWeight > best.currentWeight {
			best = b
		}
	}
	if best == nil {
		return s.roundRobin()
	}
	best.currentWeight -= total
	return best
}

func (s *Selector) leastConnections() *Backend {
	var best *Backend
	minScore := int64(math.MaxInt64)
	for _, b := range s.backends {
		if !b.Healthy() {
			continue
		}
		score := b.Active() * 100 / int64(b.Weight)
		if score < minScore {
			minScore = score
			best = b
		}
	}
	if best == nil {
		return s.roundRobin()
	}
	return best
}

func (s *Selector) ipHash(clientIP string) *Backend {
	n := len(s.backends)
	start := int(HashIP(clientIP) % uint32(n))
	for i := range n {
		if b := s.backends[(start+i)%n]; b.Healthy() {
			return b
		}
	}
	return s.backends[start]
}

// HashIP is the polynomial string hash used for ip-hash affinity:
// h = h*31 + c over the bytes of ip, wrapping at 32 bits.
func HashIP(ip string) uint32 {
	var h uint32
	for i := 0; i < len(ip); i++ {
		h = h*31 + uint32(ip[i])
	}
	return h
}
