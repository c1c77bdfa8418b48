package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < retries {
				time.Sleep(retryDelay)
				continue
			}
			return 0, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries {
				time.Sleep(retryDelay)
				continue
			}
			return 0, nil, readErr
		}
		if resp.StatusCode >= 500 && attempt < retries {
			time.Sleep(retryDelay)
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

// PostSignedJSON posts body to url with an X-Signature: sha256=<hex>
// header the receiving chat front-end can verify before trusting an
// approval prompt (pkg/approval.Coordinator.notifyWebhook is the one
// caller: the front-end must be able to tell a genuine approval-pending
// notification from one forged by anything that can merely reach its
// webhook URL, following the same HMAC-authenticity idiom pkg/auth uses
// for its own bearer tokens). An empty secret sends the request
// unsigned, matching a local/dev deployment with no webhook secret
// configured.
func PostSignedJSON(ctx context.Context, client *http.Client, url, secret string, body []byte, retries int, retryDelay time.Duration) (int, []byte, error) {
	headers := map[string]string{}
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		headers["X-Signature"] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}
	return RequestJSON(ctx, client, http.MethodPost, url, body, headers, retries, retryDelay)
}
