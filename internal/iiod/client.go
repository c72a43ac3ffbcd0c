// Package iiod speaks the text protocol of the IIO daemon that network SDR
// front-ends such as the ADALM-Pluto expose on TCP port 30431.
package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/satstream/internal/logging"
)

const (
	DefaultPort    = 30431
	DefaultTimeout = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("iiod: not connected")
	// ErrRejected wraps negative status codes returned by the server.
	ErrRejected = errors.New("iiod: command rejected")
)

// Direction selects the input or output side of a channel.
type Direction bool

const (
	Input  Direction = false
	Output Direction = true
)

func (d Direction) String() string {
	if d == Output {
		return "OUTPUT"
	}
	return "INPUT"
}

// Client is a single IIOD connection. Commands are serialized; the
// connection carries one request at a time.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	closed  atomic.Bool
	r       *bufio.Reader
	timeout time.Duration
	logger  logging.Logger
}

// Dial connects to addr. A bare host gets DefaultPort.
func Dial(ctx context.Context, addr string, timeout time.Duration, logger logging.Logger) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return NewClient(conn, timeout, logger), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, timeout time.Duration, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: timeout,
		logger:  logger.With(logging.Field{Key: "subsystem", Value: "iiod"}),
	}
}

// Close drops the connection. Any command in flight fails.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool { return c.closed.Load() }

// Exec sends one command line and returns the integer status. Negative
// values are errno codes and are turned into ErrRejected.
func (c *Client) Exec(cmd string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(cmd, nil); err != nil {
		return 0, err
	}
	return c.status(cmd)
}

// SetServerTimeout sets the server side I/O timeout.
func (c *Client) SetServerTimeout(d time.Duration) error {
	_, err := c.Exec(fmt.Sprintf("TIMEOUT %d", d.Milliseconds()))
	return err
}

// WriteAttr writes a channel attribute. An empty channel addresses a
// device attribute.
func (c *Client) WriteAttr(dev string, dir Direction, channel, attr, value string) error {
	var cmd string
	if channel == "" {
		cmd = fmt.Sprintf("WRITE %s %s %d", dev, attr, len(value))
	} else {
		cmd = fmt.Sprintf("WRITE %s %s %s %s %d", dev, dir, channel, attr, len(value))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(cmd, []byte(value)); err != nil {
		return err
	}
	_, err := c.status(cmd)
	return err
}

// ReadAttr reads a channel attribute. An empty channel addresses a device
// attribute.
func (c *Client) ReadAttr(dev string, dir Direction, channel, attr string) (string, error) {
	var cmd string
	if channel == "" {
		cmd = fmt.Sprintf("READ %s %s", dev, attr)
	} else {
		cmd = fmt.Sprintf("READ %s %s %s %s", dev, dir, channel, attr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(cmd, nil); err != nil {
		return "", err
	}
	n, err := c.status(cmd)
	if err != nil {
		return "", err
	}
	// Value followed by a newline.
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return strings.TrimRight(string(buf), "\x00\r\n"), nil
}

// OpenBuffer opens the capture buffer of dev with the given channel mask.
func (c *Client) OpenBuffer(dev string, samples int, mask uint32) error {
	_, err := c.Exec(fmt.Sprintf("OPEN %s %d %08x", dev, samples, mask))
	return err
}

// CloseBuffer closes the capture buffer of dev.
func (c *Client) CloseBuffer(dev string) error {
	_, err := c.Exec("CLOSE " + dev)
	return err
}

// ReadBuffer fills dst with raw samples from the open buffer of dev and
// returns the byte count. The server answers in chunks, each announced by
// its length; the channel mask precedes the first one.
func (c *Client) ReadBuffer(dev string, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	cmd := fmt.Sprintf("READBUF %s %d", dev, len(dst))
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(cmd, nil); err != nil {
		return 0, err
	}

	total := 0
	maskRead := false
	for total < len(dst) {
		n, err := c.status(cmd)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		if !maskRead {
			if _, err := c.line(); err != nil {
				return total, fmt.Errorf("%s: read mask: %w", cmd, err)
			}
			maskRead = true
		}
		if total+n > len(dst) {
			return total, fmt.Errorf("%s: server sent %d bytes, %d left", cmd, n, len(dst)-total)
		}
		if _, err := io.ReadFull(c.r, dst[total:total+n]); err != nil {
			return total, fmt.Errorf("%s: %w", cmd, err)
		}
		total += n
	}
	return total, nil
}

func (c *Client) send(cmd string, payload []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.logger.Debug("iiod command", logging.Field{Key: "cmd", Value: cmd})
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	msg := make([]byte, 0, len(cmd)+2+len(payload))
	msg = append(msg, cmd...)
	msg = append(msg, '\r', '\n')
	msg = append(msg, payload...)
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// status reads one integer line.
func (c *Client) status(cmd string) (int, error) {
	line, err := c.line()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd, err)
	}
	v, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("%s: bad status %q", cmd, line)
	}
	if v < 0 {
		return v, fmt.Errorf("%s: %w (%d)", cmd, ErrRejected, v)
	}
	return v, nil
}

// line reads the next non-empty line, stripped of padding.
func (c *Client) line() (string, error) {
	for {
		s, err := c.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		s = strings.Trim(s, "\x00\r\n ")
		if s != "" {
			return s, nil
		}
	}
}
