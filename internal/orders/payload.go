package orders

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode"
)

// ErrBadPayload reports a QR payload that does not match the expected shape.
var ErrBadPayload = errors.New("malformed QR payload")

// Payload is the decoded QR content: exactly an integer order id and a
// printable secret key.
type Payload struct {
	OrderID   int    `json:"order_id"`
	SecretKey string `json:"secret_key"`
}

// ParsePayload decodes QR bytes strictly: both fields present, no extra
// fields, order_id an integer, secret_key non-empty printable text. Anything
// else is ErrBadPayload — parsing is total, a bad payload can never panic or
// half-populate.
func ParsePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var raw struct {
		OrderID   json.RawMessage `json:"order_id"`
		SecretKey *string         `json:"secret_key"`
	}
	if err := dec.Decode(&raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	// Trailing garbage after the object is also a malformed payload.
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data", ErrBadPayload)
	}
	if raw.OrderID == nil || raw.SecretKey == nil {
		return Payload{}, fmt.Errorf("%w: missing field", ErrBadPayload)
	}

	// Parsing the raw token rejects quoted numbers such as "42" as well as
	// fractions and null.
	id, err := strconv.ParseInt(string(raw.OrderID), 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: order_id is not an integer", ErrBadPayload)
	}
	if *raw.SecretKey == "" {
		return Payload{}, fmt.Errorf("%w: empty secret_key", ErrBadPayload)
	}
	for _, r := range *raw.SecretKey {
		if !unicode.IsPrint(r) {
			return Payload{}, fmt.Errorf("%w: secret_key contains unprintable characters", ErrBadPayload)
		}
	}

	return Payload{OrderID: int(id), SecretKey: *raw.SecretKey}, nil
}

// Encode renders a payload back to QR bytes. The round trip through
// ParsePayload is exact.
func (p Payload) Encode() []byte {
	data, _ := json.Marshal(p)
	return data
}
