package loader

// Loader wire format. All integers are little endian. A request is a fixed header followed by Len
// bytes of name. A response is a fixed header followed by KeyLen bytes of lookup key, a successful
// lookup carries the blob descriptor as ancillary data.

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	RequestHeaderLen  = 12
	ResponseHeaderLen = 12
	MaxNameLen        = 4096
)

type Ordinal uint32

const (
	OrdinalLoadObject      Ordinal = 1
	OrdinalLoadAbspath     Ordinal = 2
	OrdinalPublishDataSink Ordinal = 3
)

func (o Ordinal) String() string {
	switch o {
	case OrdinalLoadObject:
		return "load_object"
	case OrdinalLoadAbspath:
		return "load_abspath"
	case OrdinalPublishDataSink:
		return "publish_data_sink"
	default:
		return fmt.Sprintf("ordinal(%d)", uint32(o))
	}
}

// Status is the result code of a request. Values follow the kernel status codes used by the
// dynamic loader.
type Status int32

const (
	StatusOK           Status = 0
	StatusNotSupported Status = -2
	StatusInvalidArgs  Status = -10
	StatusBadState     Status = -20
	StatusNotFound     Status = -25
	StatusIO           Status = -40
	StatusBadPath      Status = -50
)

func statusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrBadPath):
		return StatusBadPath
	case errors.Is(err, ErrNotSupported):
		return StatusNotSupported
	case errors.Is(err, ErrClosed):
		return StatusBadState
	default:
		return StatusIO
	}
}

func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusNotFound:
		return ErrNotFound
	case StatusBadPath:
		return ErrBadPath
	case StatusNotSupported:
		return ErrNotSupported
	case StatusBadState:
		return ErrClosed
	default:
		return fmt.Errorf("loader status %d", int32(s))
	}
}

type Request struct {
	TxID    uint32
	Ordinal Ordinal
	Name    string
}

func (r *Request) MarshalBinary() ([]byte, error) {
	if len(r.Name) > MaxNameLen {
		return nil, fmt.Errorf("name length %d exceeds %d", len(r.Name), MaxNameLen)
	}
	buf := make([]byte, RequestHeaderLen+len(r.Name))
	binary.LittleEndian.PutUint32(buf[0:4], r.TxID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Ordinal))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Name)))
	copy(buf[RequestHeaderLen:], r.Name)
	return buf, nil
}

func (r *Request) UnmarshalBinary(buf []byte) error {
	if len(buf) < RequestHeaderLen {
		return fmt.Errorf("short request: %d bytes", len(buf))
	}
	nameLen := binary.LittleEndian.Uint32(buf[8:12])
	if nameLen > MaxNameLen || int(nameLen) != len(buf)-RequestHeaderLen {
		return fmt.Errorf("invalid name length %d for %d byte request", nameLen, len(buf))
	}
	r.TxID = binary.LittleEndian.Uint32(buf[0:4])
	r.Ordinal = Ordinal(binary.LittleEndian.Uint32(buf[4:8]))
	r.Name = string(buf[RequestHeaderLen:])
	return nil
}

type Response struct {
	TxID   uint32
	Status Status
	// Key is the lookup key the returned descriptor was resolved from.
	Key string
}

func (r *Response) MarshalBinary() ([]byte, error) {
	if len(r.Key) > MaxKeyLen {
		return nil, fmt.Errorf("key length %d exceeds %d", len(r.Key), MaxKeyLen)
	}
	buf := make([]byte, ResponseHeaderLen+len(r.Key))
	binary.LittleEndian.PutUint32(buf[0:4], r.TxID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Key)))
	copy(buf[ResponseHeaderLen:], r.Key)
	return buf, nil
}

func (r *Response) UnmarshalBinary(buf []byte) error {
	if len(buf) < ResponseHeaderLen {
		return fmt.Errorf("short response: %d bytes", len(buf))
	}
	keyLen := binary.LittleEndian.Uint32(buf[8:12])
	if keyLen > MaxKeyLen || int(keyLen) != len(buf)-ResponseHeaderLen {
		return fmt.Errorf("invalid key length %d for %d byte response", keyLen, len(buf))
	}
	r.TxID = binary.LittleEndian.Uint32(buf[0:4])
	r.Status = Status(int32(binary.LittleEndian.Uint32(buf[4:8])))
	r.Key = string(buf[ResponseHeaderLen:])
	return nil
}
