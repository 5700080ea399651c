package server

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obslogger "github.com/smallbiznis/payauth/internal/observability/logger"
	tsdomain "github.com/smallbiznis/payauth/internal/tokenstore/domain"
	tsservice "github.com/smallbiznis/payauth/internal/tokenstore/service"
	"github.com/smallbiznis/payauth/pkg/db/pagination"
)

// createTokenRequest carries a client-encrypted card payload; the clear card
// never appears on this surface. encrypted_payment_data is base64, and
// exactly one of device_token or encryption_metadata names its key.
type createTokenRequest struct {
	IdempotencyKey       string                       `json:"idempotency_key"`
	EncryptedPaymentData string                       `json:"encrypted_payment_data"`
	DeviceToken          string                       `json:"device_token"`
	EncryptionMetadata   *tsdomain.EncryptionMetadata `json:"encryption_metadata"`
	Metadata             map[string]string            `json:"metadata"`
}

type tokenResponse struct {
	TokenID     string `json:"token_id"`
	CardBrand   string `json:"card_brand"`
	Last4       string `json:"last4"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at"`
}

func toTokenResponse(t *tsdomain.PaymentToken) tokenResponse {
	return tokenResponse{
		TokenID:     t.TokenID,
		CardBrand:   t.CardBrand,
		Last4:       t.Last4,
		ExpiryMonth: t.ExpiryMonth,
		ExpiryYear:  t.ExpiryYear,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   t.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// CreateToken tokenizes card data. The response never echoes the card.
// An idempotent replay answers 200 instead of 201.
func (s *Server) CreateToken(c *gin.Context) {
	cfg := s.restaurantConfig(c)
	if cfg == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, tsdomain.ErrInvalidEncryption)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.EncryptedPaymentData)
	if err != nil {
		AbortWithError(c, tsdomain.ErrInvalidEncryption)
		return
	}

	token, replayed, err := s.tokenSvc.Create(c.Request.Context(), tsservice.CreateTokenRequest{
		RestaurantID:         cfg.RestaurantID,
		IdempotencyKey:       req.IdempotencyKey,
		EncryptedPaymentData: payload,
		DeviceToken:          req.DeviceToken,
		EncryptionMetadata:   req.EncryptionMetadata,
		Metadata:             req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, toTokenResponse(token))
}

type tokenListResponse struct {
	Data          []tokenResponse `json:"data"`
	NextPageToken string          `json:"next_page_token,omitempty"`
	HasMore       bool            `json:"has_more"`
}

// ListTokens pages through the calling restaurant's tokens, newest first.
func (s *Server) ListTokens(c *gin.Context) {
	cfg := s.restaurantConfig(c)
	if cfg == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var params pagination.Params
	if err := c.ShouldBindQuery(&params); err != nil {
		AbortWithError(c, pagination.ErrBadCursor)
		return
	}

	page, err := s.tokenSvc.List(c.Request.Context(), cfg.RestaurantID, params)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := tokenListResponse{
		Data:          make([]tokenResponse, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
		HasMore:       page.HasMore,
	}
	for _, item := range page.Items {
		resp.Data = append(resp.Data, toTokenResponse(item))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetToken(c *gin.Context) {
	cfg := s.restaurantConfig(c)
	if cfg == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	token, err := s.tokenSvc.Get(c.Request.Context(), cfg.RestaurantID, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTokenResponse(token))
}

// decryptTokenRequest names the tenant the caller is acting for; the token
// must belong to it.
type decryptTokenRequest struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
}

// DecryptToken serves signed internal callers only; ServiceAuth has already
// verified the request signature by the time this runs.
func (s *Server) DecryptToken(c *gin.Context) {
	name := s.serviceName(c)
	if name == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req decryptTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RestaurantID == uuid.Nil {
		AbortWithError(c, tsdomain.ErrDecryptForbidden)
		return
	}

	card, err := s.tokenSvc.Decrypt(c.Request.Context(), tsservice.DecryptRequest{
		RestaurantID: req.RestaurantID,
		ServiceName:  name,
		TokenID:      c.Param("id"),
		RequestID:    obslogger.RequestIDFromContext(c.Request.Context()),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}
