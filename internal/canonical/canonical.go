// Package canonical produces the deterministic content hash for a CraftID
// submission. Serialization follows RFC 8785 (JSON Canonicalization Scheme):
// keys sorted lexicographically at every level, no insignificant whitespace,
// UTF-8 with non-ASCII preserved. The hash is SHA-256 over the canonical
// bytes, lowercase hex, no 0x prefix.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/masterip/craftanchor/internal/models"
)

// canonicalArtisan is the fixed artisan shape that participates in the hash.
type canonicalArtisan struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	ContactNumber string `json:"contact_number"`
	Email         string `json:"email"`
	AadhaarNumber string `json:"aadhaar_number"`
}

// canonicalArt deliberately omits photo/photo_url: media references are
// volatile and outside the trust scope of the anchor.
type canonicalArt struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type canonicalObject struct {
	Artisan   canonicalArtisan `json:"artisan"`
	Art       canonicalArt     `json:"art"`
	Timestamp string           `json:"timestamp"`
	Salt      string           `json:"salt"`
}

// object builds the canonical hash input from a submission. Every string is
// trimmed of surrounding whitespace; absent strings normalize to "".
func object(artisan models.Artisan, art models.Art, timestamp, salt string) canonicalObject {
	return canonicalObject{
		Artisan: canonicalArtisan{
			Name:          strings.TrimSpace(artisan.Name),
			Location:      strings.TrimSpace(artisan.Location),
			ContactNumber: strings.TrimSpace(artisan.ContactNumber),
			Email:         strings.TrimSpace(artisan.Email),
			AadhaarNumber: strings.TrimSpace(artisan.AadhaarNumber),
		},
		Art: canonicalArt{
			Name:        strings.TrimSpace(art.Name),
			Description: strings.TrimSpace(art.Description),
		},
		Timestamp: timestamp,
		Salt:      strings.TrimSpace(salt),
	}
}

// Marshal returns the RFC 8785 canonical JSON bytes of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Hash computes the public hash for a submission at a given timestamp and
// salt. Pure function: identical input yields byte-identical output.
func Hash(artisan models.Artisan, art models.Art, timestamp, salt string) (string, error) {
	b, err := Marshal(object(artisan, art, timestamp, salt))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
