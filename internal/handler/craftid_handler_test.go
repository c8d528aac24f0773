package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/masterip/craftanchor/internal/models"
	apierrors "github.com/masterip/craftanchor/internal/pkg/errors"
	"github.com/masterip/craftanchor/internal/service"
)

// mockIntakeService is a mock implementation of IntakeService for testing.
type mockIntakeService struct {
	createFunc func(ctx context.Context, sub models.Submission) (*service.CreateResult, error)
}

func (m *mockIntakeService) Create(ctx context.Context, sub models.Submission) (*service.CreateResult, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, sub)
	}
	return nil, nil
}

// mockVerifyService is a mock implementation of VerifyService for testing.
type mockVerifyService struct {
	verifyFunc func(ctx context.Context, publicID string) (*service.VerifyResult, error)
}

func (m *mockVerifyService) Verify(ctx context.Context, publicID string) (*service.VerifyResult, error) {
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, publicID)
	}
	return nil, nil
}

// mockBootstrapper is a mock implementation of IndexBootstrapper.
type mockBootstrapper struct {
	err error
}

func (m *mockBootstrapper) EnsureIndexes(ctx context.Context) error {
	return m.err
}

func validSubmission() models.Submission {
	return models.Submission{
		Artisan: models.Artisan{
			Name:          "Meera Sharma",
			Location:      "Bhuj",
			ContactNumber: "9800000001",
			Email:         "m@x",
			AadhaarNumber: "123412341234",
		},
		Art: models.Art{
			Name:        "Desert Weave",
			Description: "Handwoven shawl",
		},
	}
}

func TestCraftIDHandler_Create(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		mockService    *mockIntakeService
		expectedStatus int
		checkResponse  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name: "creates craftid successfully",
			body: validSubmission(),
			mockService: &mockIntakeService{
				createFunc: func(ctx context.Context, sub models.Submission) (*service.CreateResult, error) {
					return &service.CreateResult{
						TransactionID: "tx_01JTEST",
						Timestamp:     "2025-01-01T00:00:00Z",
						PublicID:      "CID-00001",
						PublicHash:    "2dab47a53c7c8c1036c6c3e99e33f8a73cf177e42fd7b5cd53b0a27449c407c9",
						Attestation: models.Attestation{
							Payload: models.AttestationPayload{
								PublicID:  "CID-00001",
								Timestamp: "2025-01-01T00:00:00Z",
							},
							Signature: "3045deadbeef",
						},
					}, nil
				},
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var resp CreateResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				if resp.Status != "success" {
					t.Errorf("Status = %v, want 'success'", resp.Status)
				}
				if resp.Verification.PublicID != "CID-00001" {
					t.Errorf("PublicID = %v, want 'CID-00001'", resp.Verification.PublicID)
				}
				if resp.Verification.VerificationURL != "/verify/CID-00001" {
					t.Errorf("VerificationURL = %v", resp.Verification.VerificationURL)
				}
				if resp.Verification.QRCodeLink != "/verify/qr/CID-00001" {
					t.Errorf("QRCodeLink = %v", resp.Verification.QRCodeLink)
				}
				if resp.ArtInfo.Name != "Desert Weave" {
					t.Errorf("ArtInfo.Name = %v", resp.ArtInfo.Name)
				}
			},
		},
		{
			name: "rejects missing art name",
			body: models.Submission{
				Artisan: models.Artisan{Name: "Meera Sharma"},
				Art:     models.Art{Description: "no name"},
			},
			mockService:    &mockIntakeService{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "rejects missing artisan name",
			body: models.Submission{
				Art: models.Art{Name: "Desert Weave"},
			},
			mockService:    &mockIntakeService{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "rejects invalid JSON",
			body:           "not json",
			mockService:    &mockIntakeService{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "propagates duplicate name conflict",
			body: validSubmission(),
			mockService: &mockIntakeService{
				createFunc: func(ctx context.Context, sub models.Submission) (*service.CreateResult, error) {
					return nil, apierrors.NewConflictError("A similar product name already exists. Please provide a more unique name.")
				},
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "maps infrastructure failure to 500",
			body: validSubmission(),
			mockService: &mockIntakeService{
				createFunc: func(ctx context.Context, sub models.Submission) (*service.CreateResult, error) {
					return nil, errors.New("mongo down")
				},
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reqBody []byte
			var err error
			if s, ok := tt.body.(string); ok {
				reqBody = []byte(s)
			} else {
				reqBody, err = json.Marshal(tt.body)
				if err != nil {
					t.Fatalf("Failed to marshal request body: %v", err)
				}
			}

			h := NewCraftIDHandler(tt.mockService, &mockVerifyService{}, &mockBootstrapper{}, "")
			req := httptest.NewRequest(http.MethodPost, "/create", bytes.NewReader(reqBody))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			h.Routes().ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("Status = %d, want %d; body %s", rec.Code, tt.expectedStatus, rec.Body.String())
			}
			if tt.checkResponse != nil {
				tt.checkResponse(t, rec)
			}
		})
	}
}

func TestCraftIDHandler_Verify(t *testing.T) {
	tests := []struct {
		name           string
		publicID       string
		mockService    *mockVerifyService
		expectedStatus int
		checkResponse  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:     "returns anchored classification",
			publicID: "CID-00001",
			mockService: &mockVerifyService{
				verifyFunc: func(ctx context.Context, publicID string) (*service.VerifyResult, error) {
					return &service.VerifyResult{
						PublicID:     publicID,
						Status:       service.VerifyAnchored,
						StoredHash:   "aa",
						ComputedHash: "aa",
						TxHash:       "0xabc",
						Details:      service.VerifyDetails{BlockchainVerified: true},
					}, nil
				},
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var resp service.VerifyResult
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				if resp.Status != service.VerifyAnchored {
					t.Errorf("Status = %v, want anchored", resp.Status)
				}
				if !resp.Details.BlockchainVerified {
					t.Error("BlockchainVerified = false, want true")
				}
			},
		},
		{
			name:     "returns 404 for unknown record",
			publicID: "CID-99999",
			mockService: &mockVerifyService{
				verifyFunc: func(ctx context.Context, publicID string) (*service.VerifyResult, error) {
					return nil, apierrors.NewNotFoundError("CraftID")
				},
			},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCraftIDHandler(&mockIntakeService{}, tt.mockService, &mockBootstrapper{}, "")

			r := chi.NewRouter()
			r.Mount("/", h.Routes())
			req := httptest.NewRequest(http.MethodGet, "/verify/"+tt.publicID, nil)
			rec := httptest.NewRecorder()

			r.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("Status = %d, want %d; body %s", rec.Code, tt.expectedStatus, rec.Body.String())
			}
			if tt.checkResponse != nil {
				tt.checkResponse(t, rec)
			}
		})
	}
}

func TestCraftIDHandler_InitDB(t *testing.T) {
	t.Run("reports success", func(t *testing.T) {
		h := NewCraftIDHandler(&mockIntakeService{}, &mockVerifyService{}, &mockBootstrapper{}, "")
		req := httptest.NewRequest(http.MethodPost, "/init-db", nil)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Status = %d, want 200", rec.Code)
		}
	})

	t.Run("maps index failure to 502", func(t *testing.T) {
		h := NewCraftIDHandler(&mockIntakeService{}, &mockVerifyService{}, &mockBootstrapper{err: errors.New("index build failed")}, "")
		req := httptest.NewRequest(http.MethodPost, "/init-db", nil)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadGateway {
			t.Errorf("Status = %d, want 502", rec.Code)
		}
	})
}
