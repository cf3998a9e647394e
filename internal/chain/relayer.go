// Package chain submits token transfers to the chain through a
// transaction relayer that holds the signing keys.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TransferRequest moves Amount base units of Contract from From to To.
// IdempotencyKey is stable per order so a resubmitted attempt cannot
// mint a second transaction.
type TransferRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Contract       string `json:"contract"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Transferer executes token transfers
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// PermanentError is a rejection that no retry will fix, e.g. an invalid
// recipient or an allowance the treasury does not have.
type PermanentError struct {
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("transfer rejected (%s): %s", e.Code, e.Message)
}

// IsPermanent reports whether err is a *PermanentError
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Relayer is the HTTP client of the transaction relayer
type Relayer struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRelayer creates a relayer client. Per-attempt deadlines come from the
// caller's context; timeout only bounds a single HTTP exchange.
func NewRelayer(baseURL, token string, timeout time.Duration) *Relayer {
	return &Relayer{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Transfer submits req and waits for the relayer to report the hash
func (r *Relayer) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("relayer unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read relayer response: %w", err)
	}

	var out transferResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return "", fmt.Errorf("relayer returned %d: %s", resp.StatusCode, out.Error.Message)
	case resp.StatusCode >= 400:
		code := out.Error.Code
		if code == "" {
			code = http.StatusText(resp.StatusCode)
		}
		return "", &PermanentError{Code: code, Message: out.Error.Message}
	}

	if out.TxHash == "" {
		return "", errors.New("relayer returned no transaction hash")
	}
	return out.TxHash, nil
}
