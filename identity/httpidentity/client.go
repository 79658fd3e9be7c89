// Package httpidentity is a goVerify IdentityProvider backed by a REST
// identity service.
//
// Every request carries a short-lived service assertion signed by the jwt
// package. Credential updates also send the idempotency key both as the
// Idempotency-Key header and as the assertion's jti, so the service can
// recognise replays.
package httpidentity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/jwt"
)

const maxBody = 64 << 10

type Config struct {
	BaseURL    string
	Signer     *jwt.Manager
	HTTPClient *http.Client
	// Timeout bounds each request when ctx has no earlier deadline.
	Timeout time.Duration
}

type Client struct {
	base    *url.URL
	signer  *jwt.Manager
	http    *http.Client
	timeout time.Duration
}

var _ goVerify.IdentityProvider = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httpidentity: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Signer == nil {
		return nil, errors.New("httpidentity: signer required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: base, signer: cfg.Signer, http: hc, timeout: timeout}, nil
}

type contactResponse struct {
	SubjectID              string   `json:"subject_id"`
	Phone                  string   `json:"phone"`
	Email                  string   `json:"email"`
	AppChatID              string   `json:"app_chat_id"`
	Channels               []string `json:"channels"`
	Identifiers            []string `json:"identifiers"`
	RecentCredentialHashes []string `json:"recent_credential_hashes"`
}

type updateRequest struct {
	CredentialHash string `json:"credential_hash"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) LookupContactInfo(ctx context.Context, subjectID string) (goVerify.ContactInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, subjectID, "contact", jwt.ActionLookupContact, "", nil)
	if err != nil {
		return goVerify.ContactInfo{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return goVerify.ContactInfo{}, fmt.Errorf("%w: %s", goVerify.ErrSubjectNotFound, subjectID)
	default:
		e := readError(resp)
		return goVerify.ContactInfo{}, fmt.Errorf("httpidentity: lookup status %d: %s", resp.StatusCode, e.Code)
	}

	var body contactResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return goVerify.ContactInfo{}, fmt.Errorf("httpidentity: decode contact: %w", err)
	}

	info := goVerify.ContactInfo{
		SubjectID:              body.SubjectID,
		Phone:                  body.Phone,
		Email:                  body.Email,
		AppChatID:              body.AppChatID,
		Identifiers:            body.Identifiers,
		RecentCredentialHashes: body.RecentCredentialHashes,
	}
	if info.SubjectID == "" {
		info.SubjectID = subjectID
	}
	for _, ch := range body.Channels {
		info.ChannelsAvailable = append(info.ChannelsAvailable, goVerify.ChannelType(ch))
	}
	return info, nil
}

// UpdateCredential maps 404, 409 and 422 to permanent provider errors, and
// network failures, 429 and 5xx to transient ones.
func (c *Client) UpdateCredential(ctx context.Context, subjectID, credentialHash, idempotencyKey string) error {
	payload, err := json.Marshal(updateRequest{CredentialHash: credentialHash})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPut, subjectID, "credential", jwt.ActionUpdateCredential, idempotencyKey, payload)
	if errors.Is(err, goVerify.ErrInvalidInput) {
		return goVerify.NewPermanentProviderError("invalid_subject", err)
	}
	if err != nil {
		return goVerify.NewTransientProviderError("transport", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}

	e := readError(resp)
	code := e.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, e.Message)

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return goVerify.NewPermanentProviderError(code, cause)
	default:
		// 429, 5xx and anything unexpected are worth another attempt.
		return goVerify.NewTransientProviderError(code, cause)
	}
}

func (c *Client) do(ctx context.Context, method, subjectID, leaf, action, idempotencyKey string, body []byte) (*http.Response, error) {
	if subjectID == "" || subjectID == "." || subjectID == ".." {
		return nil, fmt.Errorf("%w: subject id %q", goVerify.ErrInvalidInput, subjectID)
	}
	assertion, err := c.signer.Sign(subjectID, action, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("httpidentity: sign assertion: %w", err)
	}

	target := c.base.String() + "/subjects/" + url.PathEscape(subjectID) + "/" + leaf

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// The body is read after do returns; release the timer when it is closed.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func readError(resp *http.Response) errorResponse {
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&e)
	return e
}
