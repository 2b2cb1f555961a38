// Package protocol implements the artifact cache request protocol: the
// datagram wire format and the handler that executes requests against the
// entries index and content store.
package protocol

import (
	"errors"
	"fmt"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxDatagramSize is the largest request or response datagram.
	MaxDatagramSize = 64 * 1024

	// MaxPayloadSize is the largest content carried inline. The remainder
	// of a datagram is reserved for the key, id, metadata and framing.
	MaxPayloadSize = MaxDatagramSize - 2*1024

	// MaxIDSize is the largest client correlation id.
	MaxIDSize = 64
)

// ErrMalformed is returned when a datagram cannot be decoded.
var ErrMalformed = errors.New("protocol: malformed message")

// Op identifies a request operation.
type Op uint8

const (
	OpGet   Op = 1
	OpPut   Op = 2
	OpStat  Op = 3
	OpEvict Op = 4
	OpPing  Op = 5
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpStat:
		return "stat"
	case OpEvict:
		return "evict"
	case OpPing:
		return "ping"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Status is the outcome of a request.
type Status uint8

const (
	StatusOk           Status = 1
	StatusMiss         Status = 2
	StatusMalformed    Status = 3
	StatusInconsistent Status = 4
	StatusStoreError   Status = 5
	StatusTooLarge     Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusMiss:
		return "miss"
	case StatusMalformed:
		return "malformed"
	case StatusInconsistent:
		return "inconsistent"
	case StatusStoreError:
		return "store_error"
	case StatusTooLarge:
		return "too_large"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Metadata describes a cache entry.
type Metadata struct {
	Hash       artifactcache.Hash
	Size       int64
	CreatedAt  time.Time
	LastAccess time.Time
}

// Request is one client request datagram.
type Request struct {
	Op      Op
	Key     []byte
	Payload []byte
	ID      []byte // optional correlation id, echoed in the response
}

// Response is one daemon response datagram.
type Response struct {
	Status   Status
	Metadata *Metadata
	Payload  []byte
	ID       []byte
	Message  string
}

// Field numbers.
const (
	reqOp      protowire.Number = 1
	reqKey     protowire.Number = 2
	reqPayload protowire.Number = 3
	reqID      protowire.Number = 4

	respStatus   protowire.Number = 1
	respMetadata protowire.Number = 2
	respPayload  protowire.Number = 3
	respID       protowire.Number = 4
	respMessage  protowire.Number = 5

	metaHash       protowire.Number = 1
	metaSize       protowire.Number = 2
	metaCreatedAt  protowire.Number = 3
	metaLastAccess protowire.Number = 4
)

// EncodeRequest encodes a request datagram.
func EncodeRequest(r *Request) []byte {
	b := make([]byte, 0, 16+len(r.Key)+len(r.Payload)+len(r.ID))
	b = protowire.AppendTag(b, reqOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	if r.Key != nil {
		b = protowire.AppendTag(b, reqKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if r.Payload != nil {
		b = protowire.AppendTag(b, reqPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if len(r.ID) > 0 {
		b = protowire.AppendTag(b, reqID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ID)
	}
	return b
}

// DecodeRequest decodes and validates a request datagram. The returned
// request aliases b. On error the request is still returned with whatever
// fields were read, so the caller can echo its ID.
func DecodeRequest(b []byte) (*Request, error) {
	r := &Request{}
	var (
		op         uint64
		hasPayload bool
	)
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == reqOp && typ == protowire.VarintType:
			op = n
		case num == reqKey && typ == protowire.BytesType:
			r.Key = v
		case num == reqPayload && typ == protowire.BytesType:
			r.Payload = v
			hasPayload = true
		case num == reqID && typ == protowire.BytesType:
			r.ID = v
		case num <= reqID:
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
		}
		return nil
	})
	if err != nil {
		return r, err
	}
	if len(r.ID) > MaxIDSize {
		id := r.ID
		r.ID = nil
		return r, fmt.Errorf("%w: id of %d bytes exceeds %d", ErrMalformed, len(id), MaxIDSize)
	}

	switch {
	case op == 0:
		return r, fmt.Errorf("%w: missing op", ErrMalformed)
	case op > uint64(OpPing):
		return r, fmt.Errorf("%w: unknown op %d", ErrMalformed, op)
	}
	r.Op = Op(op)

	switch r.Op {
	case OpPing:
		return r, nil
	case OpPut:
		if !hasPayload {
			return r, fmt.Errorf("%w: put without payload", ErrMalformed)
		}
		r.Payload = nonNil(r.Payload)
	default:
		if hasPayload {
			return r, fmt.Errorf("%w: %s does not take a payload", ErrMalformed, r.Op)
		}
	}

	if err := artifactcache.Key(r.Key).Validate(); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

// EncodeResponse encodes a response datagram.
func EncodeResponse(r *Response) []byte {
	b := make([]byte, 0, 96+len(r.Payload)+len(r.ID)+len(r.Message))
	b = protowire.AppendTag(b, respStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	if r.Metadata != nil {
		b = protowire.AppendTag(b, respMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMetadata(r.Metadata))
	}
	if r.Payload != nil {
		b = protowire.AppendTag(b, respPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if len(r.ID) > 0 {
		b = protowire.AppendTag(b, respID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ID)
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, respMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	return b
}

// DecodeResponse decodes a response datagram. The returned response
// aliases b.
func DecodeResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == respStatus && typ == protowire.VarintType:
			r.Status = Status(n)
		case num == respMetadata && typ == protowire.BytesType:
			m, err := decodeMetadata(v)
			if err != nil {
				return err
			}
			r.Metadata = m
		case num == respPayload && typ == protowire.BytesType:
			r.Payload = nonNil(v)
		case num == respID && typ == protowire.BytesType:
			r.ID = v
		case num == respMessage && typ == protowire.BytesType:
			r.Message = string(v)
		case num <= respMessage:
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Status == 0 {
		return nil, fmt.Errorf("%w: missing status", ErrMalformed)
	}
	return r, nil
}

func encodeMetadata(m *Metadata) []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, metaHash, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Hash[:])
	b = protowire.AppendTag(b, metaSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Size))
	b = protowire.AppendTag(b, metaCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	b = protowire.AppendTag(b, metaLastAccess, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.LastAccess.UnixNano()))
	return b
}

func decodeMetadata(b []byte) (*Metadata, error) {
	m := &Metadata{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == metaHash && typ == protowire.BytesType:
			h, err := artifactcache.HashFromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			m.Hash = h
		case num == metaSize && typ == protowire.VarintType:
			m.Size = int64(n)
		case num == metaCreatedAt && typ == protowire.VarintType:
			m.CreatedAt = time.Unix(0, int64(n)).UTC()
		case num == metaLastAccess && typ == protowire.VarintType:
			m.LastAccess = time.Unix(0, int64(n)).UTC()
		}
		return nil
	})
	return m, err
}

// decodeFields walks the top-level fields of a message. Varint fields
// report their value in n; length-delimited fields report their bytes in v.
// Other wire types are skipped.
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		var (
			v   []byte
			n   uint64
			adv int
		)
		switch typ {
		case protowire.VarintType:
			n, adv = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, adv = protowire.ConsumeBytes(b)
		default:
			adv = protowire.ConsumeFieldValue(num, typ, b)
		}
		if adv < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(adv))
		}
		b = b[adv:]

		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
