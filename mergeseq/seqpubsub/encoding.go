package seqpubsub

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// Encoder encodes a sequence message into bytes.
type Encoder interface {
	Encode(msg *seqop.Message) ([]byte, error)
}

// Decoder decodes bytes into a sequence message.
type Decoder interface {
	Decode(data []byte) (*seqop.Message, error)
}

// EncoderDecoder combines the Encoder and Decoder interfaces.
type EncoderDecoder interface {
	Encoder
	Decoder
}

// JSONEncoderDecoder implements the EncoderDecoder interface using JSON encoding.
type JSONEncoderDecoder struct{}

// Encode encodes a message into JSON.
func (ed *JSONEncoderDecoder) Encode(msg *seqop.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return data, nil
}

// Decode decodes JSON into a message.
func (ed *JSONEncoderDecoder) Decode(data []byte) (*seqop.Message, error) {
	var msg seqop.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "failed to decode message")
	}
	return &msg, nil
}

// Base64EncoderDecoder wraps another encoder with base64.
type Base64EncoderDecoder struct {
	underlying EncoderDecoder
}

// NewBase64EncoderDecoder creates a new Base64EncoderDecoder with the specified underlying encoder/decoder.
func NewBase64EncoderDecoder(underlying EncoderDecoder) *Base64EncoderDecoder {
	if underlying == nil {
		underlying = &JSONEncoderDecoder{}
	}
	return &Base64EncoderDecoder{underlying: underlying}
}

// Encode encodes a message and base64 encodes the result.
func (ed *Base64EncoderDecoder) Encode(msg *seqop.Message) ([]byte, error) {
	data, err := ed.underlying.Encode(msg)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)
	return encoded, nil
}

// Decode base64 decodes data and decodes the message.
func (ed *Base64EncoderDecoder) Decode(data []byte) (*seqop.Message, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(decoded, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode base64 payload")
	}
	return ed.underlying.Decode(decoded[:n])
}

// GetEncoderDecoder returns an EncoderDecoder for the specified format.
func GetEncoderDecoder(format EncodingFormat) (EncoderDecoder, error) {
	switch format {
	case EncodingFormatJSON, EncodingFormatText:
		return &JSONEncoderDecoder{}, nil
	case EncodingFormatBase64:
		return NewBase64EncoderDecoder(&JSONEncoderDecoder{}), nil
	default:
		return nil, common.ErrInvalidEncoding{Format: string(format)}
	}
}
