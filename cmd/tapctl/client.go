package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const deviceHeader = "X-Device-ID"

// apiError is the server's JSON error body.
type apiError struct {
	Status    int    `json:"-"`
	Code      string `json:"error"`
	Message   string `json:"message"`
	Required  *int64 `json:"required"`
	Available *int64 `json:"available"`
}

func (e *apiError) Error() string {
	switch {
	case e.Required != nil && e.Available != nil:
		return fmt.Sprintf("%s: required %d, available %d", e.Code, *e.Required, *e.Available)
	case e.Message != "":
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s (%d)", e.Code, e.Status)
	}
}

type apiClient struct {
	base   string
	bearer string
	hc     *http.Client
}

func newClient(base, bearer string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		bearer: bearer,
		hc:     &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses come back as *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, hdr http.Header, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		ae := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(ae); err != nil || ae.Code == "" {
			ae.Code = http.StatusText(resp.StatusCode)
		}
		return ae
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// validateResult mirrors the reader response; denials arrive with non-2xx
// statuses but still carry a body.
type validateResult struct {
	Status                int    `json:"-"`
	Authorized            bool   `json:"authorized"`
	Reason                string `json:"reason"`
	DoseUnits             *int64 `json:"dose_units,omitempty"`
	AccountName           string `json:"account_name,omitempty"`
	DispensingPointName   string `json:"dispensing_point_name,omitempty"`
	RemainingBalanceMinor *int64 `json:"remaining_balance_minor,omitempty"`
}

func (c *apiClient) validate(ctx context.Context, token, device string) (validateResult, error) {
	b, err := json.Marshal(map[string]string{"token": token, "device_id": device})
	if err != nil {
		return validateResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/validate", bytes.NewReader(b))
	if err != nil {
		return validateResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deviceHeader, device)
	req.Header.Set("User-Agent", "tapctl-reader")

	resp, err := c.hc.Do(req)
	if err != nil {
		return validateResult{}, err
	}
	defer resp.Body.Close()

	res := validateResult{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decode validate response (%d): %w", resp.StatusCode, err)
	}
	return res, nil
}
