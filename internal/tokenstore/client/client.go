package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/payauth/internal/tokenstore/domain"
	"github.com/smallbiznis/payauth/internal/tokenstore/service"
)

// Client calls a remote token store over HTTP. Used when the worker and the
// token store run as separate deployments.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

func New(baseURL, serviceAuthSecret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  serviceAuthSecret,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Decrypt(ctx context.Context, req service.DecryptRequest) (*domain.CardData, error) {
	now := time.Now()
	endpoint := c.baseURL + "/internal/v1/tokens/" + url.PathEscape(req.TokenID) + "/decrypt"
	body, err := json.Marshal(map[string]string{"restaurant_id": req.RestaurantID.String()})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderServiceName, req.ServiceName)
	httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	httpReq.Header.Set(HeaderSignature, Sign(c.secret, req.ServiceName, req.TokenID, now))
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.ErrTokenNotFound
	case http.StatusGone:
		return nil, domain.ErrTokenExpired
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, domain.ErrDecryptForbidden
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token store decrypt: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var card domain.CardData
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, err
	}
	return &card, nil
}
