// Package models defines the persistent document shapes for the anchoring
// pipeline. Status values are closed variants internally and serialize as
// strings at the storage and API edges.
package models

import "time"

// RecordStatus represents the lifecycle state of a CraftID record.
type RecordStatus string

const (
	RecordQueued   RecordStatus = "queued"
	RecordAnchored RecordStatus = "anchored"
	RecordFailed   RecordStatus = "failed"
)

// Valid returns true if the record status is a known variant.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordQueued, RecordAnchored, RecordFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed.
func (s RecordStatus) Terminal() bool {
	return s == RecordAnchored || s == RecordFailed
}

// String returns the string representation.
func (s RecordStatus) String() string {
	return string(s)
}

// Artisan is the submitted artisan identity, canonical field names fixed at
// the API boundary.
type Artisan struct {
	Name          string `json:"name" bson:"name" validate:"required"`
	Location      string `json:"location" bson:"location"`
	ContactNumber string `json:"contact_number" bson:"contact_number"`
	Email         string `json:"email" bson:"email"`
	AadhaarNumber string `json:"aadhaar_number" bson:"aadhaar_number"`
}

// Art is the submitted artifact description. PhotoURL is volatile media and
// never participates in the public hash.
type Art struct {
	Name        string `json:"name" bson:"name" validate:"required"`
	Description string `json:"description" bson:"description"`
	PhotoURL    string `json:"photo_url,omitempty" bson:"photo_url,omitempty"`
}

// Submission is the full intake payload as received.
type Submission struct {
	Artisan Artisan `json:"artisan" bson:"artisan" validate:"required"`
	Art     Art     `json:"art" bson:"art" validate:"required"`
}

// AttestationPayload is the tuple the platform attests to at intake.
type AttestationPayload struct {
	PublicID   string `json:"public_id" bson:"public_id"`
	PublicHash string `json:"public_hash" bson:"public_hash"`
	Timestamp  string `json:"timestamp" bson:"timestamp"`
	Salt       string `json:"salt" bson:"salt"`
}

// Attestation is the signed envelope returned synchronously at intake.
// Signature is a hex-encoded DER ECDSA-P256/SHA-256 signature over the
// canonical JSON of the payload.
type Attestation struct {
	Payload   AttestationPayload `json:"payload" bson:"payload"`
	Signature string             `json:"signature" bson:"signature"`
}

// CraftID is the authoritative record in the craftids collection.
type CraftID struct {
	PublicID           string       `json:"public_id" bson:"public_id"`
	ArtNameNorm        string       `json:"art_name_norm" bson:"art_name_norm"`
	OriginalSubmission Submission   `json:"original_submission" bson:"original_submission"`
	Timestamp          string       `json:"timestamp" bson:"timestamp"`
	Salt               string       `json:"salt" bson:"salt"`
	PublicHash         string       `json:"public_hash" bson:"public_hash"`
	Attestation        Attestation  `json:"attestation" bson:"attestation"`
	Status             RecordStatus `json:"status" bson:"status"`
	TxHash             string       `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	AnchoredAt         string       `json:"anchored_at,omitempty" bson:"anchored_at,omitempty"`
	LastError          string       `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CreatedAt          time.Time    `json:"created_at" bson:"created_at"`
}
