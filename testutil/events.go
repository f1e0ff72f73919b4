package testutil

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/mudtools/MudFeishu-sub002/webhook"
)

// MessageEventType is the event type the builders use by default.
const MessageEventType = "im.message.receive_v1"

// V2Event builds a schema 2.0 envelope.
func V2Event(eventID, eventType string) []byte {
	return []byte(fmt.Sprintf(`{"schema":"2.0","header":{"event_id":%q,"event_type":%q,`+
		`"create_time":"1700000000000","token":"verify-token","app_id":"cli_test","tenant_key":"tenant"},`+
		`"event":{"message":{"message_id":"om_%s"}}}`, eventID, eventType, eventID))
}

// V1Event builds a legacy envelope. An empty eventID omits the field.
func V1Event(eventID, eventType string) []byte {
	if eventID == "" {
		return []byte(fmt.Sprintf(`{"event_type":%q,"app_id":"cli_test","tenant_key":"tenant","event":{}}`, eventType))
	}
	return []byte(fmt.Sprintf(`{"event_id":%q,"event_type":%q,"app_id":"cli_test","tenant_key":"tenant","event":{}}`,
		eventID, eventType))
}

// WebhookRequest builds a callback POST. With a non-empty encryptKey the body is
// encrypted and the signature headers are set, the way the platform sends it.
func WebhookRequest(t testing.TB, url string, body []byte, encryptKey, nonce string, ts time.Time) *http.Request {
	t.Helper()

	payload := body
	if encryptKey != "" {
		enc, err := webhook.Encrypt(body, encryptKey)
		if err != nil {
			t.Fatalf("encrypt webhook body: %v", err)
		}
		payload = []byte(fmt.Sprintf(`{"encrypt":%q}`, enc))
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if encryptKey != "" {
		timestamp := strconv.FormatInt(ts.Unix(), 10)
		req.Header.Set(webhook.HeaderTimestamp, timestamp)
		req.Header.Set(webhook.HeaderNonce, nonce)
		req.Header.Set(webhook.HeaderSignature, webhook.Signature(timestamp, nonce, encryptKey, payload))
	}
	return req
}
