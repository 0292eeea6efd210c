package kex

import (
	"io"

	"github.com/sammck-go/wstssh/pkg/wire"
)

// Proposal is the content of an SSH_MSG_KEXINIT, RFC 4253 §7.1
type Proposal struct {
	Cookie                  [16]byte
	KexAlgos                []string
	HostKeyAlgos            []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

// NewProposal creates a Proposal with a random cookie
func NewProposal(rand io.Reader) (*Proposal, error) {
	p := &Proposal{}
	if _, err := io.ReadFull(rand, p.Cookie[:]); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes the proposal as a complete KEXINIT payload
func (p *Proposal) Marshal() []byte {
	return wire.NewWriter(wire.MsgKexInit).
		Raw(p.Cookie[:]).
		NameList(p.KexAlgos).
		NameList(p.HostKeyAlgos).
		NameList(p.CiphersClientServer).
		NameList(p.CiphersServerClient).
		NameList(p.MACsClientServer).
		NameList(p.MACsServerClient).
		NameList(p.CompressionClientServer).
		NameList(p.CompressionServerClient).
		NameList(p.LanguagesClientServer).
		NameList(p.LanguagesServerClient).
		Bool(p.FirstKexFollows).
		Uint32(p.Reserved).
		Bytes()
}

// ParseProposal decodes a KEXINIT payload
func ParseProposal(payload []byte) (*Proposal, error) {
	r := wire.NewReader(payload)
	if r.Err() == nil && r.Msg() != wire.MsgKexInit {
		return nil, wire.ProtocolErrorf(r.Msg(), "expected KEXINIT")
	}
	p := &Proposal{}
	for i := range p.Cookie {
		p.Cookie[i] = r.Byte()
	}
	p.KexAlgos = r.NameList()
	p.HostKeyAlgos = r.NameList()
	p.CiphersClientServer = r.NameList()
	p.CiphersServerClient = r.NameList()
	p.MACsClientServer = r.NameList()
	p.MACsServerClient = r.NameList()
	p.CompressionClientServer = r.NameList()
	p.CompressionServerClient = r.NameList()
	p.LanguagesClientServer = r.NameList()
	p.LanguagesServerClient = r.NameList()
	p.FirstKexFollows = r.Bool()
	p.Reserved = r.Uint32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// DirectionAlgorithms is the negotiated algorithm set for one direction
type DirectionAlgorithms struct {
	Cipher      string
	MAC         string
	Compression string
	Language    string
}

// Algorithms is the complete negotiated algorithm set. Each direction is
// negotiated independently and may differ.
type Algorithms struct {
	Kex          string
	HostKey      string
	ClientServer DirectionAlgorithms
	ServerClient DirectionAlgorithms
}

// findCommon picks the first algorithm in the client's list that the server
// also supports
func findCommon(category string, client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", &wire.NegotiationError{Category: category, Client: client, Server: server}
}

// findLanguage negotiates a language tag. Languages are advisory, so having
// nothing in common is not a failure.
func findLanguage(client, server []string) string {
	lang, _ := findCommon("language", client, server)
	return lang
}

// Negotiate determines the algorithm set for a key exchange from the client's
// and server's proposals. For every category it walks the client's list in
// order and selects the first name also present in the server's list. A
// category with nothing in common fails the exchange with a
// *wire.NegotiationError.
func Negotiate(client, server *Proposal) (*Algorithms, error) {
	var err error
	algs := &Algorithms{}
	if algs.Kex, err = findCommon("key exchange", client.KexAlgos, server.KexAlgos); err != nil {
		return nil, err
	}
	if algs.HostKey, err = findCommon("host key", client.HostKeyAlgos, server.HostKeyAlgos); err != nil {
		return nil, err
	}
	if algs.ClientServer.Cipher, err = findCommon("client to server cipher", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return nil, err
	}
	if algs.ServerClient.Cipher, err = findCommon("server to client cipher", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return nil, err
	}
	if algs.ClientServer.MAC, err = findCommon("client to server MAC", client.MACsClientServer, server.MACsClientServer); err != nil {
		return nil, err
	}
	if algs.ServerClient.MAC, err = findCommon("server to client MAC", client.MACsServerClient, server.MACsServerClient); err != nil {
		return nil, err
	}
	if algs.ClientServer.Compression, err = findCommon("client to server compression", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return nil, err
	}
	if algs.ServerClient.Compression, err = findCommon("server to client compression", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return nil, err
	}
	algs.ClientServer.Language = findLanguage(client.LanguagesClientServer, server.LanguagesClientServer)
	algs.ServerClient.Language = findLanguage(client.LanguagesServerClient, server.LanguagesServerClient)
	return algs, nil
}

// guessedRight reports whether a peer that sent first_kex_packet_follows
// guessed the negotiated kex and host key algorithms, RFC 4253 §7.1. The guess
// is the first entry of each of the sender's lists.
func guessedRight(sender *Proposal, algs *Algorithms) bool {
	return len(sender.KexAlgos) > 0 && sender.KexAlgos[0] == algs.Kex &&
		len(sender.HostKeyAlgos) > 0 && sender.HostKeyAlgos[0] == algs.HostKey
}
