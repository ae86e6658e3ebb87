package delivery

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/infodancer/listd/internal/config"
)

// Signer adds a DKIM-Signature to outgoing messages.
type Signer struct {
	domain   string
	selector string
	headers  []string
	key      crypto.Signer
}

// NewSigner loads the private key named in cfg.
func NewSigner(cfg config.DKIMConfig) (*Signer, error) {
	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading dkim key: %w", err)
	}
	key, err := parseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing dkim key %s: %w", cfg.KeyFile, err)
	}
	return &Signer{
		domain:   cfg.Domain,
		selector: cfg.Selector,
		headers:  cfg.Headers,
		key:      key,
	}, nil
}

func parseKey(raw []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", k)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
}

// Sign returns data with a DKIM-Signature header prepended.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:     s.domain,
		Selector:   s.selector,
		Signer:     s.key,
		HeaderKeys: s.headers,
	}
	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(data), opts); err != nil {
		return nil, fmt.Errorf("dkim signing: %w", err)
	}
	return out.Bytes(), nil
}
