package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"matricare/internal/config"
)

// Client sends SMS through a Twilio-compatible messaging gateway.
type Client struct {
	cfg        config.SMSConfig
	httpClient *http.Client
	baseURL    string
}

type gatewayResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func NewClient(cfg config.SMSConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		baseURL:    "https://api.twilio.com/2010-04-01",
	}
}

func (c *Client) Send(ctx context.Context, to, body string) error {
	if !c.cfg.Enabled() {
		return fmt.Errorf("sms is not configured")
	}
	if !strings.HasPrefix(to, "+") {
		return fmt.Errorf("phone number must include country code")
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.cfg.AccountSID)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var gw gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gw); err != nil {
		return fmt.Errorf("sms gateway: unexpected response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if gw.ErrorMessage != "" {
			return fmt.Errorf("sms gateway: %s", gw.ErrorMessage)
		}
		return fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}
	if gw.Status == "failed" || gw.Status == "undelivered" {
		return fmt.Errorf("sms gateway: delivery status %s", gw.Status)
	}

	return nil
}
