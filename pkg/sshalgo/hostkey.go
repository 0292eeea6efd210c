package sshalgo

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

var defaultHostKeyAlgorithms = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoRSASHA512,
	ssh.KeyAlgoRSASHA256,
	ssh.KeyAlgoRSA,
}

// KeyTypeForAlgorithm returns the public key format used by a host key
// signature algorithm. The rsa-sha2 algorithms all use "ssh-rsa" keys.
func KeyTypeForAlgorithm(algo string) string {
	switch algo {
	case ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512:
		return ssh.KeyAlgoRSA
	}
	return algo
}

// AlgorithmsForSigners lists, in registry preference order, the host key
// algorithms that can be served by at least one of signers
func (r *Registry) AlgorithmsForSigners(signers []ssh.Signer) []string {
	var out []string
	for _, algo := range r.hostKeyOrder {
		if SignerForAlgorithm(signers, algo) != nil {
			out = append(out, algo)
		}
	}
	return out
}

// SignerForAlgorithm returns the first signer able to produce signatures for
// algo, or nil
func SignerForAlgorithm(signers []ssh.Signer, algo string) ssh.Signer {
	keyType := KeyTypeForAlgorithm(algo)
	for _, s := range signers {
		if s.PublicKey().Type() != keyType {
			continue
		}
		if keyType != algo {
			if _, ok := s.(ssh.AlgorithmSigner); !ok {
				continue
			}
		}
		return s
	}
	return nil
}

// Sign signs data with signer using host key algorithm algo and returns the
// wire-format signature blob
func (r *Registry) Sign(signer ssh.Signer, algo string, data []byte) ([]byte, error) {
	var sig *ssh.Signature
	var err error
	if as, ok := signer.(ssh.AlgorithmSigner); ok {
		sig, err = as.SignWithAlgorithm(r.Rand, data, algo)
	} else if signer.PublicKey().Type() == algo {
		sig, err = signer.Sign(r.Rand, data)
	} else {
		return nil, fmt.Errorf("sshalgo: signer of type %s cannot sign with %s", signer.PublicKey().Type(), algo)
	}
	if err != nil {
		return nil, fmt.Errorf("sshalgo: %s signature failed: %w", algo, err)
	}
	return ssh.Marshal(sig), nil
}

// Verify checks that sigBlob is a valid algo signature of data by the host key
// encoded in keyBlob. It returns the parsed public key.
func (r *Registry) Verify(algo string, keyBlob, data, sigBlob []byte) (ssh.PublicKey, error) {
	pub, err := ssh.ParsePublicKey(keyBlob)
	if err != nil {
		return nil, fmt.Errorf("sshalgo: bad host key: %w", err)
	}
	if pub.Type() != KeyTypeForAlgorithm(algo) {
		return nil, fmt.Errorf("sshalgo: host key type %s does not match algorithm %s", pub.Type(), algo)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return nil, fmt.Errorf("sshalgo: bad signature encoding: %w", err)
	}
	if sig.Format != algo {
		return nil, fmt.Errorf("sshalgo: signature format %s does not match algorithm %s", sig.Format, algo)
	}
	if err := pub.Verify(data, &sig); err != nil {
		return nil, fmt.Errorf("sshalgo: host signature verification failed: %w", err)
	}
	return pub, nil
}
