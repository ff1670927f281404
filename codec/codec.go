// Package codec turns application values into payload bytes and gives every
// message type a stable 128-bit identity used to route frames without naming
// types on the wire.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/c360/reactor/errors"
)

// namespace seeds the name-based UUIDs that back type hashes. Changing it
// changes every hash, so peers built with different values cannot talk.
var namespace = uuid.MustParse("6f0c8a52-3b1e-4c39-9d8e-2a4f7c1b9e05")

// TypeHash identifies a message type on the wire.
type TypeHash [2]uint64

// String renders the hash as 32 hex digits.
func (h TypeHash) String() string {
	return fmt.Sprintf("%016x%016x", h[0], h[1])
}

// IsZero reports whether h is the zero hash.
func (h TypeHash) IsZero() bool {
	return h[0] == 0 && h[1] == 0
}

// HashName derives the hash for a type name.
func HashName(name string) TypeHash {
	id := uuid.NewSHA1(namespace, []byte(name))
	return TypeHash{
		binary.BigEndian.Uint64(id[0:8]),
		binary.BigEndian.Uint64(id[8:16]),
	}
}

// TypeName returns the name hashed for T: its package path and type name.
func TypeName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// HashOf returns the hash of T.
func HashOf[T any]() TypeHash {
	return HashName(TypeName[T]())
}

// Codec serializes message values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default Codec.
type JSON struct{}

// Marshal encodes v as JSON.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSON", "Marshal", "encode message")
	}
	return data, nil
}

// Unmarshal decodes JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(errors.ErrParsingFailed, "JSON", "Unmarshal", err.Error())
	}
	return nil
}
