// Package telephony drives call side effects through a Twilio-compatible
// REST API: ending a live call, redirecting it to another number, playing
// DTMF digits into it, and sending SMS.
package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

// Option configures the Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host (emulators, tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// Client is a minimal REST client for the provider's call and message
// resources. Safe for concurrent use.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	http       *http.Client
}

// New constructs a client. accountSID and authToken must be non-empty.
func New(accountSID, authToken string, opts ...Option) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("telephony: accountSID and authToken must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		accountSID: accountSID,
		authToken:  authToken,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("telephony: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telephony: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telephony: %s: status %d: %s", path, resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) callPath(callSID string) string {
	return "/2010-04-01/Accounts/" + c.accountSID + "/Calls/" + callSID + ".json"
}

// HangUp completes (ends) a live call.
func (c *Client) HangUp(ctx context.Context, callSID string) error {
	_, err := c.post(ctx, c.callPath(callSID), url.Values{"Status": {"completed"}})
	return err
}

// twiml is the instruction document pushed into a live call.
type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Dial    *dial    `xml:"Dial,omitempty"`
	Play    *play    `xml:"Play,omitempty"`
}

type dial struct {
	Number string `xml:"Number"`
}

type play struct {
	Digits string `xml:"digits,attr"`
}

func renderTwiml(doc twiml) (string, error) {
	b, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("telephony: render twiml: %w", err)
	}
	return string(b), nil
}

// Transfer redirects a live call to another phone number.
func (c *Client) Transfer(ctx context.Context, callSID, toNumber string) error {
	doc, err := renderTwiml(twiml{Dial: &dial{Number: toNumber}})
	if err != nil {
		return err
	}
	_, err = c.post(ctx, c.callPath(callSID), url.Values{"Twiml": {doc}})
	return err
}

// SendDigits plays DTMF digits into a live call. Allowed characters are
// 0-9, *, # and w (half-second pause).
func (c *Client) SendDigits(ctx context.Context, callSID, digits string) error {
	doc, err := renderTwiml(twiml{Play: &play{Digits: digits}})
	if err != nil {
		return err
	}
	_, err = c.post(ctx, c.callPath(callSID), url.Values{"Twiml": {doc}})
	return err
}

// SendSMS sends a text message and returns the provider's message id.
// statusCallback may be empty.
func (c *Client) SendSMS(ctx context.Context, from, to, body, statusCallback string) (string, error) {
	form := url.Values{
		"From": {from},
		"To":   {to},
		"Body": {body},
	}
	if statusCallback != "" {
		form.Set("StatusCallback", statusCallback)
	}
	raw, err := c.post(ctx, "/2010-04-01/Accounts/"+c.accountSID+"/Messages.json", form)
	if err != nil {
		return "", err
	}
	var parsed struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.SID == "" {
		// The message went out; a missing id only degrades bookkeeping.
		return "no-sid", nil
	}
	return parsed.SID, nil
}
