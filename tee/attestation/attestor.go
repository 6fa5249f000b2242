// Package attestation produces and checks enclave identity evidence: the
// static report a host reads to learn what it is talking to, and
// nonce-bound quotes a remote party can replay-protect.
package attestation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/R3E-Network/enclave-runtime/tee/enclave"
)

const quoteDomain = "ENCLAVE_QUOTE_V1"

// Report describes the enclave identity at a point in time.
type Report struct {
	EnclaveID string    `json:"enclave_id"`
	Mode      string    `json:"mode"`
	MREnclave string    `json:"mrenclave"`
	MRSigner  string    `json:"mrsigner"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Quote binds the enclave measurements to a caller nonce. The raw digest is
// deterministic given the nonce, so a verifier holding the expected
// measurements can recompute and compare it.
type Quote struct {
	Raw       string    `json:"raw"`
	Nonce     string    `json:"nonce"`
	MREnclave string    `json:"mrenclave"`
	MRSigner  string    `json:"mrsigner"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Verification is the outcome of checking a quote.
type Verification struct {
	Valid     bool      `json:"valid"`
	MREnclave string    `json:"mrenclave"`
	MRSigner  string    `json:"mrsigner"`
	CheckedAt time.Time `json:"checked_at"`
}

// Config holds attestor configuration.
type Config struct {
	Runtime enclave.Runtime
}

// Attestor issues and verifies evidence for one enclave runtime.
type Attestor struct {
	runtime enclave.Runtime
}

// New creates an attestor over the given runtime.
func New(cfg Config) (*Attestor, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	return &Attestor{runtime: cfg.Runtime}, nil
}

// Report returns the current identity report.
func (a *Attestor) Report(ctx context.Context) (*Report, error) {
	mrEnclave, mrSigner, err := a.measurements()
	if err != nil {
		return nil, err
	}

	return &Report{
		EnclaveID: a.runtime.EnclaveID(),
		Mode:      string(a.runtime.Mode()),
		MREnclave: hex.EncodeToString(mrEnclave),
		MRSigner:  hex.EncodeToString(mrSigner),
		IssuedAt:  time.Now().UTC(),
	}, nil
}

// GenerateQuote issues a quote bound to nonce. An empty nonce is replaced
// with fresh enclave randomness so every quote is still unique.
func (a *Attestor) GenerateQuote(ctx context.Context, nonce []byte) (*Quote, error) {
	if len(nonce) == 0 {
		var err error
		nonce, err = a.runtime.GenerateRandom(16)
		if err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
	}

	mrEnclave, mrSigner, err := a.measurements()
	if err != nil {
		return nil, err
	}

	return &Quote{
		Raw:       hex.EncodeToString(quoteDigest(mrEnclave, mrSigner, nonce)),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		MREnclave: hex.EncodeToString(mrEnclave),
		MRSigner:  hex.EncodeToString(mrSigner),
		IssuedAt:  time.Now().UTC(),
	}, nil
}

// VerifyQuote checks a quote against this runtime's own measurements by
// recomputing the digest. In hardware mode the raw quote would additionally
// be checked against the platform quoting infrastructure.
func (a *Attestor) VerifyQuote(ctx context.Context, quote *Quote) (*Verification, error) {
	if quote == nil {
		return nil, fmt.Errorf("quote is required")
	}

	nonce, err := base64.StdEncoding.DecodeString(quote.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}

	mrEnclave, mrSigner, err := a.measurements()
	if err != nil {
		return nil, err
	}

	expected := hex.EncodeToString(quoteDigest(mrEnclave, mrSigner, nonce))
	valid := subtle.ConstantTimeCompare([]byte(expected), []byte(quote.Raw)) == 1 &&
		quote.MREnclave == hex.EncodeToString(mrEnclave) &&
		quote.MRSigner == hex.EncodeToString(mrSigner)

	return &Verification{
		Valid:     valid,
		MREnclave: quote.MREnclave,
		MRSigner:  quote.MRSigner,
		CheckedAt: time.Now().UTC(),
	}, nil
}

func (a *Attestor) measurements() (mrEnclave, mrSigner []byte, err error) {
	mrEnclave, err = a.runtime.GetMeasurement()
	if err != nil {
		return nil, nil, fmt.Errorf("get measurement: %w", err)
	}
	mrSigner, err = a.runtime.GetSignerMeasurement()
	if err != nil {
		return nil, nil, fmt.Errorf("get signer measurement: %w", err)
	}
	return mrEnclave, mrSigner, nil
}

func quoteDigest(mrEnclave, mrSigner, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte(quoteDomain))
	h.Write(mrEnclave)
	h.Write(mrSigner)
	h.Write(nonce)
	return h.Sum(nil)
}
