// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rendezvous implements the out-of-band channel used to bootstrap a
// new device from an existing one: an HTTP relay session for transporting
// opaque payloads between the two devices, an ECIES-style secure channel on
// top of it, and the login flows that exchange protocol negotiation messages
// and the final secrets bundle over that channel.
package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrSessionGone is returned when the relay reports that the session no
	// longer exists, either because it expired or the peer deleted it.
	ErrSessionGone = errors.New("rendezvous session is gone")
	// ErrConcurrentWrite is returned when a send raced with the peer writing
	// to the same session.
	ErrConcurrentWrite = errors.New("concurrent write to rendezvous session")
	// ErrSessionExpired is returned when the session's expiry passes while
	// waiting for the peer.
	ErrSessionExpired = errors.New("rendezvous session expired")
)

// DefaultPollInterval is how long Poll waits between requests when the relay
// does not hold the connection itself.
const DefaultPollInterval = 1 * time.Second

// Client creates rendezvous sessions on a relay server.
type Client struct {
	// HTTP is the underlying HTTP client. A nil value means
	// [http.DefaultClient].
	HTTP *http.Client
	// PollInterval overrides [DefaultPollInterval] when positive.
	PollInterval time.Duration
}

func (c *Client) http() *http.Client {
	if c == nil || c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) pollInterval() time.Duration {
	if c == nil || c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

// Session is a single resource on a rendezvous relay. Both devices write
// payloads into the same resource; the relay's concurrency token (surfaced as
// an ETag) tells each side whether the stored payload is newer than what it
// last saw or wrote.
//
// A Session is not safe for concurrent use. The secure channel built on top
// strictly alternates between sending and receiving, which is the only
// access pattern the relay protocol supports anyway.
type Session struct {
	client *Client

	// URL is the absolute URL of the session resource.
	URL string
	// ExpiresAt is the time after which the relay may drop the session. It
	// is refreshed from the Expires header on every successful request.
	ExpiresAt time.Time

	etag string
}

// NewSession creates a new session on the relay at the given URL, storing
// initialData as the first payload.
func (c *Client) NewSession(ctx context.Context, relayURL string, initialData []byte) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL, bytes.NewReader(initialData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create rendezvous session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d creating rendezvous session", resp.StatusCode)
	}
	loc, err := resp.Location()
	if err != nil {
		return nil, fmt.Errorf("relay did not return a session location: %w", err)
	}
	sess := &Session{
		client: c,
		URL:    loc.String(),
		etag:   resp.Header.Get("ETag"),
	}
	sess.updateExpiry(resp)
	zerolog.Ctx(ctx).Debug().
		Str("session_url", sess.URL).
		Time("expires_at", sess.ExpiresAt).
		Msg("Created rendezvous session")
	return sess, nil
}

// AttachSession wraps an existing session URL, as received out of band in a
// QR code. The first Poll returns whatever payload is currently stored.
func (c *Client) AttachSession(sessionURL string) *Session {
	return &Session{client: c, URL: sessionURL}
}

func (s *Session) updateExpiry(resp *http.Response) {
	if expires, err := http.ParseTime(resp.Header.Get("Expires")); err == nil {
		s.ExpiresAt = expires
	}
}

// Send replaces the session payload with the given data.
func (s *Session) Send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if s.etag != "" {
		req.Header.Set("If-Match", s.etag)
	}
	resp, err := s.client.http().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send rendezvous payload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		s.etag = resp.Header.Get("ETag")
		s.updateExpiry(resp)
		return nil
	case http.StatusNotFound, http.StatusGone:
		return ErrSessionGone
	case http.StatusPreconditionFailed, http.StatusConflict:
		return ErrConcurrentWrite
	default:
		return fmt.Errorf("unexpected status %d sending rendezvous payload", resp.StatusCode)
	}
}

// Poll blocks until the peer writes a payload the caller hasn't seen yet and
// returns it. The relay may hold the connection open itself; if it responds
// with 304 instead, Poll sleeps for the poll interval and retries. Polling is
// bounded by the session expiry and cancellable through the context.
func (s *Session) Poll(ctx context.Context) ([]byte, error) {
	for {
		if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
			return nil, ErrSessionExpired
		}
		data, changed, err := s.pollOnce(ctx)
		if err != nil {
			return nil, err
		} else if changed {
			return data, nil
		}
		timer := time.NewTimer(s.client.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) pollOnce(ctx context.Context) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, false, err
	}
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	resp, err := s.client.http().Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to poll rendezvous session: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read rendezvous payload: %w", err)
		}
		s.etag = resp.Header.Get("ETag")
		s.updateExpiry(resp)
		return data, true, nil
	case http.StatusNotModified:
		s.updateExpiry(resp)
		return nil, false, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, false, ErrSessionGone
	default:
		return nil, false, fmt.Errorf("unexpected status %d polling rendezvous session", resp.StatusCode)
	}
}

// Close deletes the session from the relay. Closing an already-deleted
// session is not an error.
func (s *Session) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.URL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.http().Do(req)
	if err != nil {
		return fmt.Errorf("failed to close rendezvous session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return fmt.Errorf("unexpected status %d closing rendezvous session", resp.StatusCode)
	}
}
