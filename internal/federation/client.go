package federation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentmesh/hub/internal/core"
)

// Client posts envelopes to remote hub inboxes.
type Client struct {
	http   *http.Client
	signer *Signer
	log    *slog.Logger
}

func NewClient(signer *Signer, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		signer: signer,
		log:    log,
	}
}

// Deliver signs and posts an envelope to the peer hub owning domain.
// A non-2xx response is a transient failure: the local receipt stays
// undelivered and the caller decides whether to retry.
func (c *Client) Deliver(ctx context.Context, domain string, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return core.Wrap(core.KindInternal, err, "encode envelope")
	}
	url := fmt.Sprintf("http://%s/api/v1/a2a/federation/inbox", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.Wrap(core.KindInternal, err, "build federation request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, c.signer.Sign(body))

	resp, err := c.http.Do(req)
	if err != nil {
		return core.Wrap(core.KindTransientIO, err, "deliver to %s", domain)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.E(core.KindTransientIO, "peer %s returned %d", domain, resp.StatusCode)
	}
	return nil
}

// SendAck closes the loop on an inbound envelope. Best effort; errors
// are logged by the caller and never fail the inbound request.
func (c *Client) SendAck(ctx context.Context, domain, envelopeID, from, to string) error {
	now := time.Now().UTC()
	return c.Deliver(ctx, domain, &Envelope{
		ID:        envelopeID,
		From:      from,
		To:        to,
		Type:      TypeAck,
		Payload:   map[string]any{"envelope_id": envelopeID},
		Timestamp: &now,
	})
}
