/*
Copyright 2024 Derrick J Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package wire implements the protobuf compatible encoding used for every message
// exchanged between vaults. Messages are small and fixed, so they are encoded field
// by field with protowire instead of through generated code.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a buffer cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Encoder appends protobuf fields to an internal buffer. The zero value is ready to use.
type Encoder struct {
	b []byte
}

// Uint appends a varint field. Zero values are omitted as in proto3.
func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

// Int appends a zig-zag encoded signed varint field.
func (e *Encoder) Int(num protowire.Number, v int64) {
	e.Uint(num, protowire.EncodeZigZag(v))
}

// Bool appends a boolean field.
func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

// Bytes appends a length delimited field.
func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// String appends a length delimited string field.
func (e *Encoder) String(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

// Message appends a nested message field, even when the nested message is empty.
func (e *Encoder) Message(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// Encoded returns the encoded buffer.
func (e *Encoder) Encoded() []byte {
	return e.b
}

// Field is a single decoded field handed to the callback of Walk.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	v    uint64
	b    []byte
}

// Uint returns the value of a varint field.
func (f Field) Uint() (uint64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d is not a varint", ErrMalformed, f.Num)
	}
	return f.v, nil
}

// Int returns the value of a zig-zag encoded varint field.
func (f Field) Int() (int64, error) {
	v, err := f.Uint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(v), nil
}

// Bool returns the value of a boolean field.
func (f Field) Bool() (bool, error) {
	v, err := f.Uint()
	return v != 0, err
}

// Bytes returns the value of a length delimited field. The returned slice aliases
// the buffer passed to Walk.
func (f Field) Bytes() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d is not length delimited", ErrMalformed, f.Num)
	}
	return f.b, nil
}

// String returns the value of a length delimited field as a string.
func (f Field) String() (string, error) {
	b, err := f.Bytes()
	return string(b), err
}

// Walk decodes every field in b and calls fn for each of them in order. Fields of
// wire types other than varint and bytes are skipped.
func Walk(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
