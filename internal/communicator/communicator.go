package communicator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bilal/fleet-tracker/internal/config"
	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StatusError is a non-2xx answer from the backend. It is always transient.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %d", e.Code)
}

// Client posts position samples to the telemetry endpoint.
type Client struct {
	url           string
	http          *http.Client
	tokens        TokenSource
	singleTimeout time.Duration
	batchTimeout  time.Duration
	log           zerolog.Logger
}

func New(cfg *config.Config, tokens TokenSource) *Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.Backend.InsecureSkipVerify,
	}
	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
			Proxy:           http.ProxyFromEnvironment,
		},
	}

	return &Client{
		url:           strings.TrimRight(cfg.Backend.URL, "/") + cfg.Backend.Endpoint,
		http:          client,
		tokens:        tokens,
		singleTimeout: cfg.Backend.SingleTimeout(),
		batchTimeout:  cfg.Backend.BatchTimeout(),
		log:           log.With().Str("component", "communicator").Logger(),
	}
}

// SendOne posts a single sample with the short priority timeout.
func (c *Client) SendOne(ctx context.Context, rec model.PositionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, c.singleTimeout)
	defer cancel()
	return c.post(ctx, rec.Payload(), 1)
}

// SendBatch posts recs as one {"locations": [...]} body.
func (c *Client) SendBatch(ctx context.Context, recs []model.PositionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()
	return c.post(ctx, model.BatchPayload{Locations: model.Payloads(recs)}, len(recs))
}

func (c *Client) post(ctx context.Context, body any, count int) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	correlation := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-ID", correlation)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post locations: %w", err)
	}
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	c.log.Debug().
		Int("count", count).
		Str("correlation", correlation).
		Dur("took", time.Since(start)).
		Msg("locations posted")
	return nil
}

// IsTransient reports whether err should count against the retry backoff.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrAuthMissing)
}
