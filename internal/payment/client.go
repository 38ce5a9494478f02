// Package payment talks to the external invoicing provider over its
// JSON HTTP API.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Client is an HTTP client for the crypto invoicing provider. It creates
// invoices and reports whether an invoice has been paid.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type Charge struct {
	ID     string
	PayURL string
}

type apiEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

type invoice struct {
	InvoiceID int64  `json:"invoice_id"`
	Status    string `json:"status"`
	PayURL    string `json:"bot_invoice_url"`
}

// CreateCharge opens an invoice for the given amount and returns the
// provider charge id plus the URL the buyer pays at.
func (c *Client) CreateCharge(ctx context.Context, amount float64, description string) (Charge, error) {
	body, err := json.Marshal(map[string]any{
		"asset":       "USDT",
		"amount":      strconv.FormatFloat(amount, 'f', 2, 64),
		"description": description,
	})
	if err != nil {
		return Charge{}, err
	}

	var inv invoice
	if err := c.call(ctx, http.MethodPost, "/api/createInvoice", body, &inv); err != nil {
		return Charge{}, fmt.Errorf("create invoice: %w", err)
	}
	return Charge{
		ID:     strconv.FormatInt(inv.InvoiceID, 10),
		PayURL: inv.PayURL,
	}, nil
}

// IsPaid reports whether the charge has been settled on the provider side.
func (c *Client) IsPaid(ctx context.Context, chargeID string) (bool, error) {
	var result struct {
		Items []invoice `json:"items"`
	}
	err := c.call(ctx, http.MethodGet, "/api/getInvoices?invoice_ids="+chargeID, nil, &result)
	if err != nil {
		return false, fmt.Errorf("get invoice %s: %w", chargeID, err)
	}
	for _, inv := range result.Items {
		if strconv.FormatInt(inv.InvoiceID, 10) == chargeID {
			return inv.Status == "paid", nil
		}
	}
	return false, nil
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Crypto-Pay-API-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned %s", resp.Status)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if !envelope.OK {
		return fmt.Errorf("provider error %d %s", envelope.Error.Code, envelope.Error.Name)
	}
	return json.Unmarshal(envelope.Result, out)
}
