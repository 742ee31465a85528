package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// CanonicalJSON renders w as RFC 8785 canonical JSON, so equal weight sets
// always serialize to the same bytes regardless of map order.
func CanonicalJSON(w wrqs.Weights) ([]byte, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal weights: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize weights: %w", err)
	}
	return canon, nil
}

// ConfigHash is the hex sha256 of the canonical JSON of w.
func ConfigHash(w wrqs.Weights) (string, error) {
	canon, err := CanonicalJSON(w)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
