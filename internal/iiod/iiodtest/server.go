// Package iiodtest provides an in-process IIOD server for tests.
package iiodtest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// errno values returned by the fake server.
const (
	ENOENT = -2
	EINVAL = -22
)

// Server answers the text protocol on a loopback listener. Attribute writes
// are recorded, READBUF returns interleaved int16 I/Q pairs of constant
// value and the buffer must be opened first.
type Server struct {
	ln net.Listener

	// I and Q are the raw sample values served by READBUF.
	I, Q int16
	// Chunk splits READBUF answers into pieces of at most Chunk bytes.
	Chunk int

	mu       sync.Mutex
	attrs    map[string]string
	open     map[string]bool
	commands []string
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:    ln,
		I:     1024,
		Q:     -1024,
		attrs: make(map[string]string),
		open:  make(map[string]bool),
		conns: make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr is the host:port to dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Attr returns a written attribute. Device attributes use an empty channel.
func (s *Server) Attr(dev, dir, channel, attr string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[attrKey(dev, dir, channel, attr)]
	return v, ok
}

// SetAttr seeds an attribute value for READ.
func (s *Server) SetAttr(dev, dir, channel, attr, value string) {
	s.mu.Lock()
	s.attrs[attrKey(dev, dir, channel, attr)] = value
	s.mu.Unlock()
}

// Commands lists the command words received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops accepting, drops every connection and waits for handlers.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func attrKey(dev, dir, channel, attr string) string {
	if channel == "" {
		return dev + "/" + attr
	}
	return strings.Join([]string{dev, dir, channel, attr}, "/")
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, fields[0])
		s.mu.Unlock()

		if err := s.handle(fields, r, w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func status(w io.Writer, v int) error {
	_, err := fmt.Fprintf(w, "%d\n", v)
	return err
}

func (s *Server) handle(f []string, r *bufio.Reader, w *bufio.Writer) error {
	switch f[0] {
	case "TIMEOUT":
		return status(w, 0)
	case "WRITE":
		// WRITE dev attr len | WRITE dev dir channel attr len
		var dev, dir, channel, attr string
		switch len(f) {
		case 4:
			dev, attr = f[1], f[2]
		case 6:
			dev, dir, channel, attr = f[1], f[2], f[3], f[4]
		default:
			return status(w, EINVAL)
		}
		n, err := strconv.Atoi(f[len(f)-1])
		if err != nil {
			return status(w, EINVAL)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		s.SetAttr(dev, dir, channel, attr, string(payload))
		return status(w, n)
	case "READ":
		var key string
		switch len(f) {
		case 3:
			key = attrKey(f[1], "", "", f[2])
		case 5:
			key = attrKey(f[1], f[2], f[3], f[4])
		default:
			return status(w, EINVAL)
		}
		s.mu.Lock()
		v, ok := s.attrs[key]
		s.mu.Unlock()
		if !ok {
			return status(w, ENOENT)
		}
		if err := status(w, len(v)); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s\n", v)
		return err
	case "OPEN":
		if len(f) < 4 {
			return status(w, EINVAL)
		}
		s.mu.Lock()
		s.open[f[1]] = true
		s.mu.Unlock()
		return status(w, 0)
	case "CLOSE":
		if len(f) < 2 {
			return status(w, EINVAL)
		}
		s.mu.Lock()
		wasOpen := s.open[f[1]]
		delete(s.open, f[1])
		s.mu.Unlock()
		if !wasOpen {
			return status(w, ENOENT)
		}
		return status(w, 0)
	case "READBUF":
		if len(f) < 3 {
			return status(w, EINVAL)
		}
		s.mu.Lock()
		open := s.open[f[1]]
		s.mu.Unlock()
		n, err := strconv.Atoi(f[2])
		if !open || err != nil || n%4 != 0 {
			return status(w, EINVAL)
		}
		return s.readbuf(w, n)
	default:
		return status(w, EINVAL)
	}
}

func (s *Server) readbuf(w *bufio.Writer, n int) error {
	data := make([]byte, n)
	for i := 0; i+4 <= n; i += 4 {
		binary.LittleEndian.PutUint16(data[i:], uint16(s.I))
		binary.LittleEndian.PutUint16(data[i+2:], uint16(s.Q))
	}
	chunk := s.Chunk
	if chunk <= 0 {
		chunk = n
	}
	first := true
	for len(data) > 0 {
		m := min(chunk, len(data))
		if err := status(w, m); err != nil {
			return err
		}
		if first {
			if _, err := w.WriteString("00000003\n"); err != nil {
				return err
			}
			first = false
		}
		if _, err := w.Write(data[:m]); err != nil {
			return err
		}
		data = data[m:]
	}
	return nil
}
