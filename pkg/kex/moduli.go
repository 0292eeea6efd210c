package kex

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Group exchange size policy, in bits. A legacy request carrying only a
// preferred size is treated as asking for [GexFloor, GexCeiling].
const (
	GexFloor     = 1024
	GexCeiling   = 8192
	GexMin       = 2048
	GexPreferred = 3072
	GexMax       = GexCeiling
)

// Candidate is one group exchange candidate from a moduli table
type Candidate struct {
	Bits  int
	Group *Group
}

// ParseModuli reads an OpenSSH moduli(5) file. Each non-comment line holds
// seven fields: timestamp, type, tests, tries, size, generator, modulus.
// The size field is the modulus length minus one. Only safe primes (type 2)
// that were not flagged composite are kept.
func ParseModuli(r io.Reader) ([]Candidate, error) {
	var out []Candidate
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 7 {
			return nil, fmt.Errorf("moduli line %d: expected 7 fields, got %d", lineNo, len(fields))
		}
		typ, err1 := strconv.Atoi(fields[1])
		tests, err2 := strconv.Atoi(fields[2])
		size, err3 := strconv.Atoi(fields[4])
		gen, err4 := strconv.ParseInt(fields[5], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, fmt.Errorf("moduli line %d: bad numeric field", lineNo)
		}
		p, ok := new(big.Int).SetString(fields[6], 16)
		if !ok {
			return nil, fmt.Errorf("moduli line %d: bad modulus", lineNo)
		}
		if typ != 2 || tests == 0 || tests&0x01 != 0 || gen < 2 {
			continue
		}
		bits := size + 1
		if p.BitLen() != bits {
			return nil, fmt.Errorf("moduli line %d: modulus is %d bits, header says %d", lineNo, p.BitLen(), bits)
		}
		out = append(out, Candidate{Bits: bits, Group: &Group{P: p, G: big.NewInt(gen)}})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadModuliFile reads and parses a moduli file
func LoadModuliFile(path string) ([]Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := ParseModuli(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// DefaultCandidates is the built-in table used when no moduli file is
// configured
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Bits: Group1.Bits(), Group: Group1},
		{Bits: Group14.Bits(), Group: Group14},
	}
}

// Moduli is the server's group exchange candidate table. The table can be
// replaced at any time (see ModuliWatcher); selections always see a complete
// table.
type Moduli struct {
	table atomic.Pointer[[]Candidate]
}

// NewModuli creates a Moduli over candidates
func NewModuli(candidates []Candidate) *Moduli {
	m := &Moduli{}
	m.Set(candidates)
	return m
}

// Set replaces the candidate table
func (m *Moduli) Set(candidates []Candidate) {
	c := append([]Candidate(nil), candidates...)
	m.table.Store(&c)
}

// Candidates returns the current candidate table
func (m *Moduli) Candidates() []Candidate {
	if t := m.table.Load(); t != nil {
		return *t
	}
	return nil
}

// Select chooses a group for a request. Candidates outside [min, max] are
// discarded; among the rest, those whose size is closest to preferred form
// the tie set, and one of them is chosen uniformly at random. If nothing is in
// range the fixed Group14 is returned.
func (m *Moduli) Select(min, preferred, max int, rnd io.Reader) (*Group, error) {
	bestDist := -1
	var ties []*Group
	for _, c := range m.Candidates() {
		if c.Bits < min || c.Bits > max {
			continue
		}
		dist := c.Bits - preferred
		if dist < 0 {
			dist = -dist
		}
		switch {
		case bestDist < 0 || dist < bestDist:
			bestDist = dist
			ties = []*Group{c.Group}
		case dist == bestDist:
			ties = append(ties, c.Group)
		}
	}
	if len(ties) == 0 {
		return Group14, nil
	}
	if len(ties) == 1 {
		return ties[0], nil
	}
	i, err := rand.Int(rnd, big.NewInt(int64(len(ties))))
	if err != nil {
		return nil, err
	}
	return ties[i.Int64()], nil
}

// NormalizeGexRequest validates a group exchange request and clamps it to the
// server's policy, returning the effective (min, preferred, max). Inverted
// bounds fail with a negotiation error.
func NormalizeGexRequest(req GexRequest) (min, preferred, max int, err error) {
	min, preferred, max = int(req.Min), int(req.Preferred), int(req.Max)
	if req.Legacy {
		min, max = GexFloor, GexCeiling
	}
	if min > preferred || preferred > max {
		return 0, 0, 0, negotiationErrorf("group exchange bounds inverted: min=%d preferred=%d max=%d", min, preferred, max)
	}
	if min < GexFloor {
		min = GexFloor
	}
	if max > GexCeiling {
		max = GexCeiling
	}
	if min > max {
		return 0, 0, 0, negotiationErrorf("group exchange request [%d, %d] outside server policy [%d, %d]",
			req.Min, req.Max, GexFloor, GexCeiling)
	}
	if preferred < min {
		preferred = min
	}
	if preferred > max {
		preferred = max
	}
	return min, preferred, max, nil
}
