package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
)

type authorizeRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	PaymentToken   string            `json:"payment_token"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

type authorizationResponse struct {
	AuthRequestID     string `json:"auth_request_id"`
	Status            string `json:"status"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	ProcessorName     string `json:"processor_name,omitempty"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	AuthorizedAmount  int64  `json:"authorized_amount,omitempty"`
	DenialCode        string `json:"denial_code,omitempty"`
	DenialReason      string `json:"denial_reason,omitempty"`
	StatusURL         string `json:"status_url,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func toAuthorizationResponse(st *authdomain.AuthRequestState) authorizationResponse {
	resp := authorizationResponse{
		AuthRequestID:     st.AuthRequestID.String(),
		Status:            string(st.Status),
		AmountMinor:       st.AmountMinor,
		Currency:          st.Currency,
		ProcessorName:     st.ProcessorName,
		AuthorizationCode: st.AuthorizationCode,
		AuthorizedAmount:  st.AuthorizedAmount,
		DenialCode:        st.DenialCode,
		DenialReason:      st.DenialReason,
		CreatedAt:         st.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         st.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !st.Status.IsTerminal() {
		resp.StatusURL = "/v1/authorize/" + resp.AuthRequestID + "/status"
	}
	return resp
}

// Authorize accepts a payment authorization. Completed within the fast
// path answers 200 with the outcome; otherwise 202 with a status URL.
func (s *Server) Authorize(c *gin.Context) {
	cfg := s.restaurantConfig(c)
	if cfg == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, authdomain.ErrInvalidAmount)
		return
	}

	result, err := s.authSvc.Authorize(c.Request.Context(), authdomain.AuthorizeRequest{
		RestaurantID:   cfg.RestaurantID,
		IdempotencyKey: req.IdempotencyKey,
		PaymentToken:   req.PaymentToken,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Completed {
		status = http.StatusOK
	}
	c.JSON(status, toAuthorizationResponse(result.State))
}

func (s *Server) GetAuthorization(c *gin.Context) {
	cfg := s.restaurantConfig(c)
	if cfg == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, authdomain.ErrNotFound)
		return
	}

	st, err := s.authSvc.GetStatus(c.Request.Context(), cfg.RestaurantID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAuthorizationResponse(st))
}

type voidRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) VoidAuthorization(c *gin.Context) {
	cfg := s.restaurantConfig(c)
	if cfg == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, authdomain.ErrNotFound)
		return
	}

	var req voidRequest
	_ = c.ShouldBindJSON(&req)

	st, err := s.authSvc.RequestVoid(c.Request.Context(), cfg.RestaurantID, id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toAuthorizationResponse(st))
}

func (s *Server) GetLockHolder(c *gin.Context) {
	holder, err := s.locks.Holder(c.Request.Context(), c.Param("key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lock_key": c.Param("key"),
		"holder":   holder,
		"held":     holder != "",
	})
}
