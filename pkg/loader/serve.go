package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewChannel returns a connected socket pair. The local end is passed to Serve, the remote end is
// handed to the child process as process.HandleLoaderService.
func NewChannel() (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create loader channel: %w", err)
	}
	local, err := fileConn(os.NewFile(uintptr(fds[0]), "loader-local"))
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	return local, os.NewFile(uintptr(fds[1]), "loader-remote"), nil
}

// fileConn converts f to a connection and closes f, the connection holds its own descriptor.
func fileConn(f *os.File) (*net.UnixConn, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s is not a unix socket", f.Name())
	}
	return uc, nil
}

// Serve answers requests on conn until the peer closes it or ctx is cancelled. When the peer goes
// away the service is closed.
func (s *Service) Serve(ctx context.Context, conn *net.UnixConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, RequestHeaderLen+MaxNameLen)
	oob := make([]byte, unix.CmsgSpace(4*4))
	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil || n == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Close()
			if err == nil || errors.Is(err, io.EOF) {
				s.log.Debug("loader peer closed channel")
				return nil
			}
			return err
		}
		files, err := parseRights(oob[:oobn], "data-sink")
		if err != nil {
			s.log.Warn("unable to parse ancillary data", zap.Error(err))
		}
		var req Request
		if err := req.UnmarshalBinary(buf[:n]); err != nil {
			closeFiles(files)
			s.log.Warn("dropping malformed loader request", zap.Error(err))
			continue
		}
		if err := s.handle(conn, req, files); err != nil {
			return err
		}
	}
}

func (s *Service) handle(conn *net.UnixConn, req Request, files []*os.File) error {
	resp := Response{TxID: req.TxID}
	var obj *Object
	var err error
	switch req.Ordinal {
	case OrdinalLoadObject:
		closeFiles(files)
		obj, err = s.LoadObject(req.Name)
	case OrdinalLoadAbspath:
		closeFiles(files)
		obj, err = s.LoadAbspath(req.Name)
	case OrdinalPublishDataSink:
		var sink *os.File
		if len(files) > 0 {
			sink = files[0]
			closeFiles(files[1:])
		}
		err = s.PublishDataSink(req.Name, sink)
	default:
		closeFiles(files)
		err = fmt.Errorf("%s: %w", req.Ordinal, ErrNotSupported)
	}

	var rights []byte
	if obj != nil {
		defer obj.Close()
		f, ferr := obj.OSFile()
		if ferr != nil {
			err = ferr
		} else {
			rights = unix.UnixRights(int(f.Fd()))
			resp.Key = obj.Key
		}
	}
	resp.Status = statusFromError(err)
	s.log.Debug("loader request", zap.Stringer("op", req.Ordinal), zap.String("name", req.Name), zap.Int32("status", int32(resp.Status)))
	msg, _ := resp.MarshalBinary()
	if _, _, err := conn.WriteMsgUnix(msg, rights, nil); err != nil {
		return fmt.Errorf("unable to send loader response: %w", err)
	}
	return nil
}

// parseRights wraps received descriptors in files called name.
func parseRights(oob []byte, name string) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), name))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// Client issues loader requests over a channel end. It is used by processes launched through the
// loader and by diagnostics.
type Client struct {
	mu   sync.Mutex
	conn *net.UnixConn
	txID atomic.Uint32
}

// NewClient takes ownership of f.
func NewClient(f *os.File) (*Client, error) {
	conn, err := fileConn(f)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// LoadObject returns the resolved blob. The file is named after its lookup key.
func (c *Client) LoadObject(name string) (*os.File, error) {
	return c.call(OrdinalLoadObject, name, nil)
}

func (c *Client) LoadAbspath(path string) (*os.File, error) {
	return c.call(OrdinalLoadAbspath, path, nil)
}

// PublishDataSink sends sink to the service. The local copy of sink is left open.
func (c *Client) PublishDataSink(name string, sink *os.File) error {
	_, err := c.call(OrdinalPublishDataSink, name, sink)
	return err
}

// Close closes the channel, which runs the service finalizer.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(op Ordinal, name string, sink *os.File) (*os.File, error) {
	req := Request{TxID: c.txID.Add(1), Ordinal: op, Name: name}
	msg, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var rights []byte
	if sink != nil {
		rights = unix.UnixRights(int(sink.Fd()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, _, err := c.conn.WriteMsgUnix(msg, rights, nil); err != nil {
		return nil, err
	}
	buf := make([]byte, ResponseHeaderLen+MaxKeyLen)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := resp.UnmarshalBinary(buf[:n]); err != nil {
		files, _ := parseRights(oob[:oobn], name)
		closeFiles(files)
		return nil, err
	}
	// Received descriptors are named after the key they were resolved from.
	files, _ := parseRights(oob[:oobn], resp.Key)
	if resp.TxID != req.TxID {
		closeFiles(files)
		return nil, fmt.Errorf("response for transaction %d, expected %d", resp.TxID, req.TxID)
	}
	if err := resp.Status.Err(); err != nil {
		closeFiles(files)
		return nil, fmt.Errorf("%s %q: %w", op, name, err)
	}
	if len(files) != 1 {
		closeFiles(files)
		return nil, fmt.Errorf("%s %q: expected one descriptor, got %d", op, name, len(files))
	}
	return files[0], nil
}
