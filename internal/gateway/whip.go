package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrNegotiationFailed wraps every failure on the offer/answer path.
var ErrNegotiationFailed = errors.New("gateway: negotiation failed")

// ErrTimeout marks a bounded wait (ICE gathering, connection establishment)
// that elapsed.
var ErrTimeout = errors.New("gateway: timed out")

// NegotiationError reports a non-2xx response from the publish endpoint.
// The numeric status is carried for callers and appears in the message.
type NegotiationError struct {
	Status int
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("publish endpoint returned status %d", e.Status)
}

func (e *NegotiationError) Unwrap() error {
	return ErrNegotiationFailed
}

// postOffer sends the local SDP to the publish endpoint and returns the
// answer SDP plus the resource URL for a later DELETE, when the endpoint
// provides one via the Location header.
func postOffer(ctx context.Context, client *http.Client, cfg ConnectionConfig, offer string) (answer, resource string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, strings.NewReader(offer))
	if err != nil {
		return "", "", fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", "", &NegotiationError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read answer: %w", err)
	}
	if len(body) == 0 {
		return "", "", fmt.Errorf("%w: empty answer body", ErrNegotiationFailed)
	}
	return string(body), resolveResource(cfg.Endpoint, resp.Header.Get("Location")), nil
}

// resolveResource turns a Location header into an absolute resource URL.
func resolveResource(endpoint, location string) string {
	if location == "" {
		return ""
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	rel, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return base.ResolveReference(rel).String()
}

// deleteResource tears down the published resource. Best effort; callers
// ignore the error beyond logging.
func deleteResource(ctx context.Context, client *http.Client, resource, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.Body.Close()
}
