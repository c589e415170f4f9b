package streams

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
)

// formatTagPattern is the filesystem-safe pattern a Serializer's
// FormatTag must match; it becomes a filename extension verbatim.
var formatTagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Serializer encodes and decodes an item's payload to and from a byte
// sequence. The core store treats it as opaque: it never inspects the
// encoded bytes. FormatTag is a short, filesystem-safe token
// ("[A-Za-z0-9_-]+") that the FileProvider uses verbatim as the
// filename extension for items encoded with this Serializer.
type Serializer[T any] interface {
	Encode(payload T) ([]byte, error)
	Decode(data []byte) (T, error)
	EncodeToSink(w io.Writer, payload T) error
	DecodeFromSource(r io.Reader) (T, error)
	FormatTag() string
}

// JSONSerializer is the default Serializer, backed by encoding/json.
// Its format tag is "json".
type JSONSerializer[T any] struct{}

// NewJSONSerializer constructs a JSONSerializer for payload type T.
func NewJSONSerializer[T any]() JSONSerializer[T] { return JSONSerializer[T]{} }

func (JSONSerializer[T]) FormatTag() string { return "json" }

func (JSONSerializer[T]) Encode(payload T) ([]byte, error) { return json.Marshal(payload) }

func (JSONSerializer[T]) Decode(data []byte) (T, error) {
	var out T
	err := json.Unmarshal(data, &out)
	return out, err
}

func (JSONSerializer[T]) EncodeToSink(w io.Writer, payload T) error {
	return json.NewEncoder(w).Encode(payload)
}

func (JSONSerializer[T]) DecodeFromSource(r io.Reader) (T, error) {
	var out T
	err := json.NewDecoder(r).Decode(&out)
	return out, err
}

// validateFormatTag returns ErrBadArgument if tag is not a
// filesystem-safe, dot-free token.
func validateFormatTag(tag string) error {
	if tag == "" || !formatTagPattern.MatchString(tag) {
		return fmt.Errorf("%w: format tag %q is not filesystem-safe", ErrBadArgument, tag)
	}
	return nil
}

var _ Serializer[any] = JSONSerializer[any]{}
