// Package handler provides HTTP handlers for the anchoring pipeline API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/masterip/craftanchor/internal/middleware"
	"github.com/masterip/craftanchor/internal/models"
	apierrors "github.com/masterip/craftanchor/internal/pkg/errors"
	"github.com/masterip/craftanchor/internal/pkg/response"
	"github.com/masterip/craftanchor/internal/service"
)

// IndexBootstrapper prepares the store's collections and indexes.
// *database.Mongo satisfies this.
type IndexBootstrapper interface {
	EnsureIndexes(ctx context.Context) error
}

// CraftIDHandler handles intake, verification, and admin requests.
type CraftIDHandler struct {
	intake   service.IntakeService
	verify   service.VerifyService
	store    IndexBootstrapper
	baseURL  string
	validate *validator.Validate
}

// NewCraftIDHandler creates a new CraftID handler. baseURL prefixes the
// verification links in intake responses; empty yields relative links.
func NewCraftIDHandler(intake service.IntakeService, verify service.VerifyService, store IndexBootstrapper, baseURL string) *CraftIDHandler {
	return &CraftIDHandler{
		intake:   intake,
		verify:   verify,
		store:    store,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		validate: validator.New(),
	}
}

// Routes returns a chi router with the pipeline routes.
func (h *CraftIDHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/create", h.Create)
	r.Get("/verify/{public_id}", h.Verify)
	r.Post("/init-db", h.InitDB)

	return r
}

// CreateResponse is the intake response envelope.
type CreateResponse struct {
	Status        string           `json:"status"`
	TransactionID string           `json:"transaction_id"`
	Timestamp     string           `json:"timestamp"`
	Verification  VerificationInfo `json:"verification"`
	ArtisanInfo   models.Artisan   `json:"artisan_info"`
	ArtInfo       models.Art       `json:"art_info"`
	Links         ResponseLinks    `json:"links"`
}

// VerificationInfo carries the attestation and the public lookup links.
type VerificationInfo struct {
	PublicID        string             `json:"public_id"`
	PublicHash      string             `json:"public_hash"`
	Attestation     models.Attestation `json:"attestation"`
	VerificationURL string             `json:"verification_url"`
	QRCodeLink      string             `json:"qr_code_link"`
}

// ResponseLinks points the caller at follow-up resources.
type ResponseLinks struct {
	TrackStatus string `json:"track_status"`
	ShopListing string `json:"shop_listing,omitempty"`
}

// Create handles POST /create.
func (h *CraftIDHandler) Create(w http.ResponseWriter, r *http.Request) {
	var sub models.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	if err := h.validate.Struct(sub); err != nil {
		field := "submission"
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			field = strings.ToLower(verrs[0].StructNamespace())
		}
		response.Error(w, apierrors.NewValidationError(field, "missing or invalid required field"))
		return
	}

	result, err := h.intake.Create(r.Context(), sub)
	if err != nil {
		response.Error(w, err)
		return
	}

	middleware.IncrementCraftIDsCreated()

	response.OK(w, CreateResponse{
		Status:        "success",
		TransactionID: result.TransactionID,
		Timestamp:     result.Timestamp,
		Verification: VerificationInfo{
			PublicID:        result.PublicID,
			PublicHash:      result.PublicHash,
			Attestation:     result.Attestation,
			VerificationURL: fmt.Sprintf("%s/verify/%s", h.baseURL, result.PublicID),
			QRCodeLink:      fmt.Sprintf("%s/verify/qr/%s", h.baseURL, result.PublicID),
		},
		ArtisanInfo: sub.Artisan,
		ArtInfo:     sub.Art,
		Links: ResponseLinks{
			TrackStatus: fmt.Sprintf("%s/verify/%s", h.baseURL, result.PublicID),
		},
	})
}

// Verify handles GET /verify/{public_id}.
func (h *CraftIDHandler) Verify(w http.ResponseWriter, r *http.Request) {
	publicID := strings.TrimSpace(chi.URLParam(r, "public_id"))
	if publicID == "" {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid public ID"))
		return
	}

	result, err := h.verify.Verify(r.Context(), publicID)
	if err != nil {
		response.Error(w, err)
		return
	}

	middleware.IncrementVerifications(result.Status)

	response.OK(w, result)
}

// InitDB handles POST /init-db. Index creation is idempotent so repeated
// calls are safe.
func (h *CraftIDHandler) InitDB(w http.ResponseWriter, r *http.Request) {
	if err := h.store.EnsureIndexes(r.Context()); err != nil {
		response.Error(w, apierrors.ErrUpstream.WithMessage("Failed to initialize indexes"))
		return
	}
	response.OK(w, map[string]string{"status": "ok"})
}
