package kex

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGroup returns a group with a modulus of exactly bits bits. Only the size
// matters for selection.
func fakeGroup(bits int) *Group {
	p := new(big.Int).Lsh(bigOne, uint(bits-1))
	p.Add(p, bigOne)
	return &Group{P: p, G: bigTwo}
}

func testCandidates() []Candidate {
	var out []Candidate
	for _, bits := range []int{1024, 1536, 2048, 2048, 3072, 4096, 6144, 7680, 8192} {
		out = append(out, Candidate{Bits: bits, Group: fakeGroup(bits)})
	}
	return out
}

func TestSelectStaysInRange(t *testing.T) {
	m := NewModuli(testCandidates())
	sizes := []int{1024, 1536, 2048, 3072, 4096, 6144, 7680, 8192}
	for _, min := range sizes {
		for _, pref := range sizes {
			for _, max := range sizes {
				if min > pref || pref > max {
					continue
				}
				lo, p, hi, err := NormalizeGexRequest(GexRequest{Min: uint32(min), Preferred: uint32(pref), Max: uint32(max)})
				require.NoError(t, err)
				g, err := m.Select(lo, p, hi, rand.Reader)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, g.Bits(), min, "request (%d, %d, %d)", min, pref, max)
				assert.LessOrEqual(t, g.Bits(), max, "request (%d, %d, %d)", min, pref, max)
			}
		}
	}
}

func TestSelectPrefersClosest(t *testing.T) {
	m := NewModuli(testCandidates())
	g, err := m.Select(1024, 5000, 8192, rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, 4096, g.Bits())
	g, err = m.Select(1024, 7000, 8192, rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, 7680, g.Bits())
}

func TestSelectTieIsRandom(t *testing.T) {
	m := NewModuli(testCandidates())
	seen := map[*Group]bool{}
	for i := 0; i < 200 && len(seen) < 2; i++ {
		g, err := m.Select(2048, 2048, 2048, rand.Reader)
		require.NoError(t, err)
		seen[g] = true
	}
	assert.Len(t, seen, 2, "both 2048-bit candidates must be reachable")
}

func TestSelectFallsBackToGroup14(t *testing.T) {
	m := NewModuli([]Candidate{{Bits: 1024, Group: fakeGroup(1024)}})
	g, err := m.Select(4096, 4096, 8192, rand.Reader)
	require.NoError(t, err)
	assert.Same(t, Group14, g)

	g, err = NewModuli(nil).Select(1024, 2048, 8192, rand.Reader)
	require.NoError(t, err)
	assert.Same(t, Group14, g)
}

func TestNormalizeGexRequest(t *testing.T) {
	_, _, _, err := NormalizeGexRequest(GexRequest{Min: 4096, Preferred: 2048, Max: 8192})
	assert.Error(t, err)
	_, _, _, err = NormalizeGexRequest(GexRequest{Min: 1024, Preferred: 8192, Max: 4096})
	assert.Error(t, err)
	_, _, _, err = NormalizeGexRequest(GexRequest{Min: 8192, Preferred: 8192, Max: 2048})
	assert.Error(t, err)
	_, _, _, err = NormalizeGexRequest(GexRequest{Min: 256, Preferred: 512, Max: 768})
	assert.Error(t, err, "entirely below the floor")

	min, pref, max, err := NormalizeGexRequest(GexRequest{Min: 512, Preferred: 2048, Max: 16384})
	require.NoError(t, err)
	assert.Equal(t, []int{GexFloor, 2048, GexCeiling}, []int{min, pref, max})

	min, pref, max, err = NormalizeGexRequest(GexRequest{Preferred: 3072, Legacy: true})
	require.NoError(t, err)
	assert.Equal(t, []int{GexFloor, 3072, GexCeiling}, []int{min, pref, max})
}

func moduliLine(bits int, p *big.Int) string {
	return fmt.Sprintf("20200101000000 2 6 100 %d 2 %X", bits-1, p)
}

func TestParseModuli(t *testing.T) {
	text := strings.Join([]string{
		"# Time Type Tests Tries Size Generator Modulus",
		"",
		moduliLine(2048, Group14.P),
		moduliLine(1024, Group1.P),
		// not a safe prime
		fmt.Sprintf("20200101000000 0 6 100 2047 2 %X", Group14.P),
		// flagged composite
		fmt.Sprintf("20200101000000 2 1 100 2047 2 %X", Group14.P),
	}, "\n")
	c, err := ParseModuli(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.Equal(t, 2048, c[0].Bits)
	assert.Equal(t, 0, c[0].Group.P.Cmp(Group14.P))
	assert.Equal(t, int64(2), c[0].Group.G.Int64())
	assert.Equal(t, 1024, c[1].Bits)
}

func TestParseModuliErrors(t *testing.T) {
	_, err := ParseModuli(strings.NewReader("1 2 3\n"))
	assert.Error(t, err)
	_, err = ParseModuli(strings.NewReader(moduliLine(4096, Group14.P)))
	assert.Error(t, err, "size field disagrees with modulus")
	_, err = ParseModuli(strings.NewReader("20200101000000 2 6 100 2047 2 XYZ"))
	assert.Error(t, err)
}

func TestModuliWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moduli")
	require.NoError(t, os.WriteFile(path, []byte(moduliLine(2048, Group14.P)+"\n"), 0o644))

	w, err := NewModuliWatcher(newTestLogger(t), path)
	require.NoError(t, err)
	defer w.Close()
	require.Len(t, w.Moduli().Candidates(), 1)

	content := moduliLine(2048, Group14.P) + "\n" + moduliLine(1024, Group1.P) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	deadline := time.After(5 * time.Second)
	for len(w.Moduli().Candidates()) != 2 {
		select {
		case <-w.Reloaded():
		case <-deadline:
			t.Fatal("moduli table was not reloaded")
		}
	}

	// a broken file keeps the last good table
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, w.Moduli().Candidates(), 2)
}

func TestNegotiatePicksClientPreference(t *testing.T) {
	client := &Proposal{
		KexAlgos:                []string{MethodGexSHA256, MethodGroup14SHA1},
		HostKeyAlgos:            []string{"ssh-ed25519", "rsa-sha2-256"},
		CiphersClientServer:     []string{"aes256-ctr", "aes128-ctr"},
		CiphersServerClient:     []string{"aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256"},
		MACsServerClient:        []string{"hmac-sha1", "hmac-sha2-256"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
		LanguagesClientServer:   []string{"en"},
	}
	server := &Proposal{
		KexAlgos:                []string{MethodGroup14SHA1, MethodGexSHA256},
		HostKeyAlgos:            []string{"rsa-sha2-256", "ssh-ed25519"},
		CiphersClientServer:     []string{"aes128-ctr", "aes256-ctr"},
		CiphersServerClient:     []string{"aes256-ctr", "aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256"},
		MACsServerClient:        []string{"hmac-sha2-256", "hmac-sha1"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
		LanguagesClientServer:   []string{"fr"},
	}
	algs, err := Negotiate(client, server)
	require.NoError(t, err)
	assert.Equal(t, MethodGexSHA256, algs.Kex)
	assert.Equal(t, "ssh-ed25519", algs.HostKey)
	assert.Equal(t, "aes256-ctr", algs.ClientServer.Cipher)
	assert.Equal(t, "aes128-ctr", algs.ServerClient.Cipher, "directions negotiate independently")
	assert.Equal(t, "hmac-sha1", algs.ServerClient.MAC)
	assert.Equal(t, "", algs.ClientServer.Language, "languages in conflict are not fatal")

	server.CompressionServerClient = []string{"zlib"}
	_, err = Negotiate(client, server)
	assert.Error(t, err)
}

func TestProposalRoundTrip(t *testing.T) {
	p, err := NewProposal(rand.Reader)
	require.NoError(t, err)
	p.KexAlgos = DefaultMethods
	p.HostKeyAlgos = []string{"ssh-ed25519"}
	p.CiphersClientServer = []string{"aes128-ctr"}
	p.CiphersServerClient = []string{"aes128-ctr"}
	p.MACsClientServer = []string{"hmac-sha2-256"}
	p.MACsServerClient = []string{"hmac-sha2-256"}
	p.CompressionClientServer = []string{"none"}
	p.CompressionServerClient = []string{"none"}
	p.LanguagesClientServer = []string{}
	p.LanguagesServerClient = []string{}
	p.FirstKexFollows = true

	got, err := ParseProposal(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
