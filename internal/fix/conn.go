package fix

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// MaxMessageSize bounds the body length accepted from a peer
const MaxMessageSize = 64 * 1024

// Conn frames messages over a stream connection. Reads must come from one
// goroutine; writes may be concurrent.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	wmu     sync.Mutex
	begin   string
	timeout time.Duration
}

// NewConn wraps nc. beginString is stamped on every outbound message.
func NewConn(nc net.Conn, beginString string) *Conn {
	return &Conn{
		nc:      nc,
		r:       bufio.NewReader(nc),
		begin:   beginString,
		timeout: 10 * time.Second,
	}
}

// ReadMessage blocks until one complete message arrives and returns its raw
// bytes with the parsed form
func (c *Conn) ReadMessage() (*Message, []byte, error) {
	var raw bytes.Buffer

	begin, err := c.r.ReadString(SOH)
	if err != nil {
		return nil, nil, err
	}
	if len(begin) < 3 || begin[:2] != "8=" {
		return nil, nil, fmt.Errorf("%w: expected BeginString, got %q", ErrMalformed, begin)
	}
	raw.WriteString(begin)

	length, err := c.r.ReadString(SOH)
	if err != nil {
		return nil, nil, err
	}
	if len(length) < 3 || length[:2] != "9=" {
		return nil, nil, fmt.Errorf("%w: expected BodyLength, got %q", ErrMalformed, length)
	}
	n, err := strconv.Atoi(length[2 : len(length)-1])
	if err != nil || n <= 0 || n > MaxMessageSize {
		return nil, nil, fmt.Errorf("%w: body length %q", ErrMalformed, length)
	}
	raw.WriteString(length)

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, nil, err
	}
	raw.Write(body)

	trailer, err := c.r.ReadString(SOH)
	if err != nil {
		return nil, nil, err
	}
	raw.WriteString(trailer)

	m, err := Parse(raw.Bytes())
	if err != nil {
		return nil, raw.Bytes(), err
	}
	return m, raw.Bytes(), nil
}

// WriteMessage encodes and writes m
func (c *Conn) WriteMessage(m *Message) error {
	data := m.Encode(c.begin)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(data)
	return err
}

// SetReadDeadline forwards to the underlying connection
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.nc.Close()
}
