// Package federation moves messages between independent hubs. Each
// hub posts signed envelopes to its peer's inbox endpoint; identity is
// the name@domain address pair and trust is a shared HMAC secret.
package federation

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/agentmesh/hub/internal/core"
)

// Envelope is the inter-hub wire format. Encoding for signing is
// compact JSON with no insignificant whitespace; Encode is the only
// producer so both sides sign identical bytes.
type Envelope struct {
	ID               string         `json:"id"`
	From             string         `json:"from"` // name@domain
	To               string         `json:"to"`   // name@domain
	Type             string         `json:"type"`
	Payload          map[string]any `json:"payload"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
	RequiresResponse bool           `json:"requires_response"`
}

// TypeAck is the envelope type closing the delivery loop: its ID names
// the original envelope being acknowledged.
const TypeAck = "ack"

// Encode renders the envelope in its canonical compact form.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses an envelope from a raw inbound body.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, core.Wrap(core.KindBadRequest, err, "malformed envelope")
	}
	if e.ID == "" || e.From == "" || e.To == "" {
		return nil, core.E(core.KindBadRequest, "envelope missing id, from or to")
	}
	return &e, nil
}

// SplitAddress breaks a name@domain address apart. The name may not
// contain '@'; the last separator wins so dotted domains survive.
func SplitAddress(addr string) (name, domain string, ok bool) {
	i := strings.LastIndex(addr, "@")
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}
