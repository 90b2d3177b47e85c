// Package auth implements the external credential collaborator: verifying
// a bearer credential into a principal. The gateway never issues or stores
// credentials itself.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tlammers/skyfeed/internal/domain"
)

const verifyTimeout = 5 * time.Second

// HTTPVerifier asks an external verification endpoint to resolve a bearer
// credential. Any non-200 answer is an authentication failure.
type HTTPVerifier struct {
	verifyURL string
	client    *http.Client
}

func NewHTTPVerifier(verifyURL string) *HTTPVerifier {
	return &HTTPVerifier{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: verifyTimeout},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (domain.Principal, error) {
	if credential == "" {
		return domain.Principal{}, domain.ErrAuthenticationFailed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, nil)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := v.client.Do(req)
	if err != nil {
		// The collaborator being down is indistinguishable from a bad
		// credential from the connection's point of view: reject.
		return domain.Principal{}, fmt.Errorf("%w: verify request: %v", domain.ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Principal{}, fmt.Errorf("%w: verifier returned status %d", domain.ErrAuthenticationFailed, resp.StatusCode)
	}

	var principal domain.Principal
	if err := json.NewDecoder(resp.Body).Decode(&principal); err != nil {
		return domain.Principal{}, fmt.Errorf("%w: decode verifier response: %v", domain.ErrAuthenticationFailed, err)
	}
	if principal.ID == "" {
		return domain.Principal{}, fmt.Errorf("%w: verifier returned empty principal", domain.ErrAuthenticationFailed)
	}
	return principal, nil
}

// StaticVerifier accepts a single shared token. Development and tests only.
type StaticVerifier struct {
	token string
}

func NewStaticVerifier(token string) *StaticVerifier {
	return &StaticVerifier{token: token}
}

func (v *StaticVerifier) Verify(_ context.Context, credential string) (domain.Principal, error) {
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.token)) != 1 {
		return domain.Principal{}, domain.ErrAuthenticationFailed
	}
	return domain.Principal{ID: "static", Role: "viewer"}, nil
}

// BearerFromHeader extracts the credential from an Authorization header
// value, accepting the bare token as well.
func BearerFromHeader(header string) string {
	if after, found := strings.CutPrefix(header, "Bearer "); found {
		return after
	}
	return header
}
