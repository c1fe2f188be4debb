package common

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ClientID identifies one replica of a shared sequence.
// It is implemented as a UUID v7 which provides time-ordered values.
type ClientID uuid.UUID

// NilClientID is the zero value for ClientID.
var NilClientID ClientID

// NewClientID creates a new ClientID using UUID v7.
// It panics if the UUID cannot be created.
func NewClientID() ClientID {
	const retry = 3

	var lastErr error
	var id uuid.UUID
	for i := 0; i < retry; i++ {
		id, lastErr = uuid.NewV7()
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		panic(lastErr)
	}

	return ClientID(id)
}

// ParseClientID parses the canonical string form of a ClientID.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilClientID, fmt.Errorf("invalid client id %q: %w", s, err)
	}
	return ClientID(u), nil
}

// String returns the string representation of the ClientID.
func (c ClientID) String() string {
	return uuid.UUID(c).String()
}

// Short returns the first eight characters of the id, for logs and consumer names.
func (c ClientID) Short() string {
	return c.String()[:8]
}

// IsNil reports whether c is the zero id.
func (c ClientID) IsNil() bool {
	return c == NilClientID
}

// Compare compares two ClientIDs.
// Returns:
//
//	-1 if c < other
//	 0 if c == other
//	 1 if c > other
func (c ClientID) Compare(other ClientID) int {
	for i := 0; i < len(c); i++ {
		if c[i] < other[i] {
			return -1
		}
		if c[i] > other[i] {
			return 1
		}
	}
	return 0
}

// MarshalText implements the encoding.TextMarshaler interface.
func (c ClientID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(c).String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (c *ClientID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	*c = ClientID(u)
	return nil
}

// MarshalJSON implements the json.Marshaler interface.
func (c ClientID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *ClientID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return c.UnmarshalText([]byte(s))
}

// Sequence numbers assigned by the ordering service start at 1. The constants below mark
// atoms whose state does not come from a sequenced message.
const (
	// UniversalSeq marks state every replica has seen, e.g. atoms below the collaboration window.
	UniversalSeq int64 = 0
	// UnassignedSeq marks local state that has been submitted but not yet sequenced.
	UnassignedSeq int64 = -1
	// NoLocalSeq marks atoms that carry no pending local operation.
	NoLocalSeq int64 = 0
)
