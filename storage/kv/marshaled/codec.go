package marshaled

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts values of type T to and from bytes
type Codec[T any] interface {
	// Name identifies the codec in logs and configuration
	Name() string
	Marshal(value T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSON returns a codec that uses encoding/json
func JSON[T any]() Codec[T] {
	return jsonCodec[T]{}
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Name() string {
	return "json"
}

func (jsonCodec[T]) Marshal(value T) ([]byte, error) {
	data, err := json.Marshal(value)

	if err != nil {
		return nil, fmt.Errorf("could not marshal json: %w", err)
	}

	return data, nil
}

func (jsonCodec[T]) Unmarshal(data []byte) (T, error) {
	var value T

	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("could not unmarshal json: %w", err)
	}

	return value, nil
}

// Msgpack returns a codec that uses msgpack. It produces
// smaller values than JSON and round trips []byte fields
// without base64.
func Msgpack[T any]() Codec[T] {
	return msgpackCodec[T]{}
}

type msgpackCodec[T any] struct{}

func (msgpackCodec[T]) Name() string {
	return "msgpack"
}

func (msgpackCodec[T]) Marshal(value T) ([]byte, error) {
	data, err := msgpack.Marshal(value)

	if err != nil {
		return nil, fmt.Errorf("could not marshal msgpack: %w", err)
	}

	return data, nil
}

func (msgpackCodec[T]) Unmarshal(data []byte) (T, error) {
	var value T

	if err := msgpack.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("could not unmarshal msgpack: %w", err)
	}

	return value, nil
}

// ByName returns the codec registered under name or
// nil if there is none
func ByName[T any](name string) Codec[T] {
	switch name {
	case "", "json":
		return JSON[T]()
	case "msgpack":
		return Msgpack[T]()
	}

	return nil
}
