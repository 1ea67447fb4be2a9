// Package image serializes compiled chunks to .mfi files.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/manifast-lang/manifast/vm"
)

// Version is the current image format version. Increment on incompatible
// changes.
const Version uint16 = 1

// Magic identifies Manifast image files.
var Magic = []byte{'M', 'N', 'F', 'I'}

// cborEncMode uses canonical options for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// chunkRecord is the serialized form of a chunk. Constants hold only
// scalars and function references, never live heap objects.
type chunkRecord struct {
	Name      string         `cbor:"name"`
	Code      []uint32       `cbor:"code"`
	Lines     []int          `cbor:"lines"`
	Offsets   []int          `cbor:"offsets"`
	Constants []constRecord  `cbor:"constants"`
	Functions []chunkRecord  `cbor:"functions"`
}

type constRecord struct {
	Tag    uint8   `cbor:"tag"`
	Number float64 `cbor:"number,omitempty"`
	Str    string  `cbor:"str,omitempty"`
}

// Marshal encodes a chunk tree into image bytes: magic, version, then the
// CBOR payload.
func Marshal(c *vm.Chunk) ([]byte, error) {
	rec, err := toRecord(c)
	if err != nil {
		return nil, err
	}

	payload, err := cborEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("image: marshal chunk: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(Magic)
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], Version)
	buf.Write(ver[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Unmarshal decodes image bytes back into a chunk tree, re-linking
// function constants to their nested chunks.
func Unmarshal(data []byte) (*vm.Chunk, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("image: too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:4], Magic) {
		return nil, fmt.Errorf("image: invalid magic: %q", data[0:4])
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version > Version {
		return nil, fmt.Errorf("image: version %d is newer than supported version %d", version, Version)
	}

	var rec chunkRecord
	if err := cbor.Unmarshal(data[6:], &rec); err != nil {
		return nil, fmt.Errorf("image: unmarshal chunk: %w", err)
	}
	return fromRecord(&rec)
}

// WriteFile marshals a chunk and writes it to path.
func WriteFile(path string, c *vm.Chunk) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads and unmarshals an image file.
func ReadFile(path string) (*vm.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func toRecord(c *vm.Chunk) (chunkRecord, error) {
	rec := chunkRecord{
		Name:    c.Name,
		Code:    make([]uint32, len(c.Code)),
		Lines:   c.Lines,
		Offsets: c.Offsets,
	}
	for i, instr := range c.Code {
		rec.Code[i] = uint32(instr)
	}

	for i, k := range c.Constants {
		var cr constRecord
		cr.Tag = uint8(k.Tag)
		switch k.Tag {
		case vm.TagNumber, vm.TagBool:
			cr.Number = k.Number
		case vm.TagString:
			cr.Str = k.AsString()
		case vm.TagNil:
			// no payload
		case vm.TagFunction:
			// Serialized as the index into Functions; the pointer is
			// rebuilt on load.
			cr.Number = k.Number
		default:
			return rec, fmt.Errorf("image: constant %d has non-serializable tag %d", i, k.Tag)
		}
		rec.Constants = append(rec.Constants, cr)
	}

	for _, fn := range c.Functions {
		sub, err := toRecord(fn)
		if err != nil {
			return rec, err
		}
		rec.Functions = append(rec.Functions, sub)
	}
	return rec, nil
}

func fromRecord(rec *chunkRecord) (*vm.Chunk, error) {
	c := vm.NewChunk(rec.Name)
	c.Code = make([]vm.Instruction, len(rec.Code))
	for i, w := range rec.Code {
		c.Code[i] = vm.Instruction(w)
	}
	c.Lines = rec.Lines
	c.Offsets = rec.Offsets

	for _, sub := range rec.Functions {
		fn, err := fromRecord(&sub)
		if err != nil {
			return nil, err
		}
		c.Functions = append(c.Functions, fn)
	}

	for i, cr := range rec.Constants {
		switch vm.Tag(cr.Tag) {
		case vm.TagNumber:
			c.Constants = append(c.Constants, vm.NumberValue(cr.Number))
		case vm.TagBool:
			c.Constants = append(c.Constants, vm.BoolValue(cr.Number != 0))
		case vm.TagString:
			c.Constants = append(c.Constants, vm.StringValue(cr.Str))
		case vm.TagNil:
			c.Constants = append(c.Constants, vm.Nil)
		case vm.TagFunction:
			idx := int(cr.Number)
			if idx < 0 || idx >= len(c.Functions) {
				return nil, fmt.Errorf("image: constant %d references function %d of %d", i, idx, len(c.Functions))
			}
			c.Constants = append(c.Constants, vm.FunctionValue(idx, c.Functions[idx]))
		default:
			return nil, fmt.Errorf("image: constant %d has unknown tag %d", i, cr.Tag)
		}
	}
	return c, nil
}
