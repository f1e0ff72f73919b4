// Package envelope decodes the long-connection wire protocol and the webhook body into a
// single transport-agnostic Envelope.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

// Transport identifies the ingress an envelope arrived on.
type Transport string

const (
	TransportSocket  Transport = "socket"
	TransportWebhook Transport = "webhook"
)

// SchemaV2 is the schema marker carried by v2 envelopes.
const SchemaV2 = "2.0"

// Envelope is one decoded inbound event. It is never mutated after construction;
// WithDedupKey returns a copy.
type Envelope struct {
	Transport Transport `json:"transport"`
	Schema    string    `json:"schema"` // "1.0" or "2.0"

	EventID    string `json:"event_id,omitempty"`
	EventType  string `json:"event_type"`
	AppID      string `json:"app_id,omitempty"`
	TenantKey  string `json:"tenant_key,omitempty"`
	Token      string `json:"token,omitempty"`
	CreateTime string `json:"create_time,omitempty"`

	// DedupKey is the event id when present, otherwise a synthesized key.
	DedupKey string `json:"dedup_key"`

	// Event is the business payload; Raw is the whole decoded body.
	Event json.RawMessage `json:"event,omitempty"`
	Raw   json.RawMessage `json:"-"`

	ReceivedAt time.Time `json:"received_at"`
}

// WithDedupKey returns a copy of e with a different dedup key.
func (e *Envelope) WithDedupKey(key string) *Envelope {
	cp := *e
	cp.DedupKey = key
	return &cp
}

// IsV2 reports whether the envelope used the 2.0 schema.
func (e *Envelope) IsV2() bool {
	return e.Schema == SchemaV2
}

type v2Header struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

// wireEvent is the union of the v1 and v2 shapes.
type wireEvent struct {
	Schema string    `json:"schema"`
	Header *v2Header `json:"header"`

	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	UUID      string          `json:"uuid"`
	AppID     string          `json:"app_id"`
	TenantKey string          `json:"tenant_key"`
	Token     string          `json:"token"`
	TS        json.Number     `json:"ts"`
	Seq       json.Number     `json:"seq"`
	Event     json.RawMessage `json:"event"`
}

// v1 events sometimes carry routing fields only inside the payload.
type v1Inner struct {
	Type      string `json:"type"`
	AppID     string `json:"app_id"`
	TenantKey string `json:"tenant_key"`
}

// Parse decodes one event body. v2 is selected by schema "2.0" or the presence of a
// header object; anything else is read as v1.
func Parse(raw []byte, transport Transport, receivedAt time.Time) (*Envelope, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedFrame, "envelope", "Parse", "json decode: "+err.Error())
	}

	env := &Envelope{
		Transport:  transport,
		Event:      w.Event,
		Raw:        append(json.RawMessage(nil), raw...),
		ReceivedAt: receivedAt,
	}

	if w.Schema == SchemaV2 || w.Header != nil {
		if w.Header == nil {
			return nil, errors.WrapInvalid(errors.ErrMalformedFrame, "envelope", "Parse", "v2 envelope without header")
		}
		env.Schema = SchemaV2
		env.EventID = w.Header.EventID
		env.EventType = w.Header.EventType
		env.CreateTime = w.Header.CreateTime
		env.Token = w.Header.Token
		env.AppID = w.Header.AppID
		env.TenantKey = w.Header.TenantKey
	} else {
		env.Schema = "1.0"
		env.EventID = firstNonEmpty(w.EventID, w.UUID)
		env.EventType = w.EventType
		env.AppID = w.AppID
		env.TenantKey = w.TenantKey
		env.Token = w.Token
		env.CreateTime = w.TS.String()

		if len(w.Event) > 0 && (env.EventType == "" || env.AppID == "" || env.TenantKey == "") {
			var inner v1Inner
			if json.Unmarshal(w.Event, &inner) == nil {
				env.EventType = firstNonEmpty(env.EventType, inner.Type)
				env.AppID = firstNonEmpty(env.AppID, inner.AppID)
				env.TenantKey = firstNonEmpty(env.TenantKey, inner.TenantKey)
			}
		}
	}

	if env.EventType == "" {
		return nil, errors.WrapInvalid(errors.ErrMalformedFrame, "envelope", "Parse", "missing event type")
	}

	env.DedupKey = dedupKey(env.EventID, w.Seq, raw)
	return env, nil
}

// dedupKey prefers the provider event id, then a v1 sequence number, then a digest of
// the body so that an id-less redelivery of identical bytes is still caught.
func dedupKey(eventID string, seq json.Number, raw []byte) string {
	if eventID != "" {
		return eventID
	}
	if n, err := seq.Int64(); err == nil {
		return "seq:" + strconv.FormatInt(n, 10)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
