package kv

import (
	"bufio"
	"context"
	"net"
	"time"
)

// TcpServer accepts connections speaking the Tcp wire protocol and serves
// them against an in-process Store (typically a Memory instance). It exists
// so the binary TCP key-value backend named in spec.md §4.1 is a real,
// connectable server rather than a client with nothing to dial in tests.
type TcpServer struct {
	store    Store
	listener net.Listener
}

// NewTcpServer binds addr and returns a server ready to Serve.
func NewTcpServer(addr string, store Store) (*TcpServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TcpServer{store: store, listener: l}, nil
}

// Addr returns the bound address (useful when addr was ":0").
func (s *TcpServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until the listener is closed.
func (s *TcpServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *TcpServer) Close() error {
	return s.listener.Close()
}

func (s *TcpServer) handle(conn net.Conn) {
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	ctx := context.Background()
	for {
		opByte, err := rw.ReadByte()
		if err != nil {
			return
		}
		op := tcpOp(opByte)
		key, err := readString(rw.Reader)
		if err != nil {
			return
		}

		switch op {
		case opGet:
			val, ok, err := s.store.Get(ctx, key)
			if !writeResult(rw.Writer, err, ok, val, 0, false) {
				return
			}
		case opSet:
			val, err := readBytes(rw.Reader)
			if err != nil {
				return
			}
			var ttlSecRaw int64
			if err := readInt64(rw.Reader, &ttlSecRaw); err != nil {
				return
			}
			var ttl time.Duration
			if ttlSecRaw > 0 {
				ttl = time.Duration(ttlSecRaw) * time.Second
			}
			err = s.store.Set(ctx, key, val, ttl)
			if !writeResult(rw.Writer, err, false, nil, 0, false) {
				return
			}
		case opDel:
			err := s.store.Del(ctx, key)
			if !writeResult(rw.Writer, err, false, nil, 0, false) {
				return
			}
		case opGetDel:
			val, ok, err := s.store.GetDel(ctx, key)
			if !writeResult(rw.Writer, err, ok, val, 0, false) {
				return
			}
		case opIncrBy:
			var delta int64
			if err := readInt64(rw.Reader, &delta); err != nil {
				return
			}
			n, err := s.store.IncrBy(ctx, key, delta)
			if !writeResult(rw.Writer, err, true, nil, n, true) {
				return
			}
		default:
			return
		}
		if err := rw.Flush(); err != nil {
			return
		}
	}
}

func readString(r *bufio.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readInt64(r *bufio.Reader, out *int64) error {
	return binaryRead(r, out)
}

func binaryRead(r *bufio.Reader, out *int64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		buf[i] = b
	}
	var v int64
	for _, b := range buf {
		v = v<<8 | int64(b)
	}
	*out = v
	return nil
}

// writeResult writes the response frame: ok byte, then (for success)
// present byte and either a length-prefixed value or an 8-byte int.
func writeResult(w *bufio.Writer, opErr error, present bool, value []byte, intVal int64, isInt bool) bool {
	if opErr != nil {
		w.WriteByte(0)
		msg := opErr.Error()
		writeBytes(w, []byte(msg))
		return true
	}
	w.WriteByte(1)
	if present {
		w.WriteByte(1)
		if isInt {
			var buf [8]byte
			v := uint64(intVal)
			for i := 7; i >= 0; i-- {
				buf[i] = byte(v)
				v >>= 8
			}
			w.Write(buf[:])
		} else {
			writeBytes(w, value)
		}
	} else {
		w.WriteByte(0)
	}
	return true
}
