package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/finance-dedup/internal/domain"
)

// maxEnvelopeBytes bounds the size of a push request body.
const maxEnvelopeBytes = 1 << 20

// ErrInvalidEnvelope is returned for bodies that are not a push envelope
// carrying a base64 JSON transaction.
var ErrInvalidEnvelope = errors.New("invalid envelope")

type envelope struct {
	Message *struct {
		Data      string            `json:"data"`
		MessageID string            `json:"messageId"`
		Attrs     map[string]string `json:"attributes"`
	} `json:"message"`
	Data         string `json:"data"`
	Subscription string `json:"subscription"`
}

// DecodeEnvelope reads a Pub/Sub push body, either {"message":{"data":...}}
// or {"data":...}, and decodes the base64 JSON transaction it carries.
func DecodeEnvelope(r io.Reader) (domain.Message, error) {
	var msg domain.Message

	var env envelope
	if err := json.NewDecoder(io.LimitReader(r, maxEnvelopeBytes)).Decode(&env); err != nil {
		return msg, fmt.Errorf("%w: body: %v", ErrInvalidEnvelope, err)
	}

	data := env.Data
	if env.Message != nil && env.Message.Data != "" {
		data = env.Message.Data
	}
	if data == "" {
		return msg, fmt.Errorf("%w: 'data' or 'message.data' is required", ErrInvalidEnvelope)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return msg, fmt.Errorf("%w: base64: %v", ErrInvalidEnvelope, err)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	return msg, nil
}
