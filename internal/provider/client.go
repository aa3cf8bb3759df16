package provider

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

	"golang.org/x/time/rate"

	logx "groupman/pkg/logx"
)

// maxResponseBody caps how much of a gateway response we read and ledger.
const maxResponseBody = 64 << 10

// Client talks to the group-messaging gateway's REST API.
//
// All calls go through a shared rate limiter; the jittered pacing between
// candidates lives in the batch processor, this limiter is just a hard cap on
// request rate.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway base url is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("gateway token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// OwnerNumber returns the configured owning account number.
func (c *Client) OwnerNumber() string { return c.cfg.OwnerNumber }

// CreateGroup asks the gateway to create a group chat with the given name and
// initial participants. Returns the gateway's response; the error carries the
// gateway's own message text when one was provided.
func (c *Client) CreateGroup(ctx context.Context, name string, participants []string) (*CallResult, error) {
	ar, raw, err := c.post(ctx, "/groups", createGroupRequest{Name: name, Participants: participants})
	res := newResult(ar, raw)
	if err != nil {
		return res, err
	}
	if !ar.Success || strings.TrimSpace(ar.GroupID) == "" {
		return res, fmt.Errorf("gateway: create group rejected: %s", apiErrText(ar))
	}
	res.Success = true
	res.GroupJID = ar.GroupID
	return res, nil
}

// AddParticipants adds phone identifiers to a group.
// A nil error means the call went through and the response parsed; the caller
// still has to inspect Success and the per-participant statuses.
func (c *Client) AddParticipants(ctx context.Context, groupJID string, phones []string) (*CallResult, error) {
	ar, raw, err := c.post(ctx, "/groups/"+url.PathEscape(groupJID)+"/participants/add", participantsRequest{Participants: phones})
	res := newResult(ar, raw)
	if err != nil {
		return res, err
	}
	res.GroupJID = groupJID
	return res, nil
}

// RemoveParticipants removes phone identifiers from a group.
func (c *Client) RemoveParticipants(ctx context.Context, groupJID string, phones []string) (*CallResult, error) {
	ar, raw, err := c.post(ctx, "/groups/"+url.PathEscape(groupJID)+"/participants/remove", participantsRequest{Participants: phones})
	res := newResult(ar, raw)
	if err != nil {
		return res, err
	}
	res.GroupJID = groupJID
	return res, nil
}

func newResult(ar *apiResponse, raw string) *CallResult {
	res := &CallResult{Raw: raw}
	if ar != nil {
		res.Success = ar.Success
		res.GroupJID = ar.GroupID
		res.Participants = ar.Participants
	}
	return res
}

func apiErrText(ar *apiResponse) string {
	if ar == nil || strings.TrimSpace(ar.Error) == "" {
		return "no error text"
	}
	return ar.Error
}

func (c *Client) post(ctx context.Context, path string, body any) (*apiResponse, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("gateway: %s: %w", path, err)
	}
	defer resp.Body.Close()

	rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, "", fmt.Errorf("gateway: read response: %w", err)
	}
	raw := string(rawBytes)

	c.log.Debug("gateway call",
		logx.String("path", path),
		logx.Int("http_status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	var ar apiResponse
	if err := json.Unmarshal(rawBytes, &ar); err != nil {
		// An unparseable body is a call failure, never assumed success.
		return nil, raw, fmt.Errorf("gateway: unparseable response (http %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(ar.Error)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &ar, raw, fmt.Errorf("gateway: http %d: %s", resp.StatusCode, msg)
	}
	return &ar, raw, nil
}
