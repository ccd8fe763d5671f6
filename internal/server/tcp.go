package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// lineTransport 每行一則 JSON 訊息的 TCP 連線
type lineTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newLineTransport(conn net.Conn, maxBytes int64) *lineTransport {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64<<10), int(maxBytes))
	return &lineTransport{conn: conn, scanner: sc}
}

func (t *lineTransport) ReadMessage() ([]byte, error) {
	for t.scanner.Scan() {
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// scanner 會重用緩衝區
		return append([]byte(nil), line...), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *lineTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := t.conn.Write(append(data, '\n'))
	return err
}

func (t *lineTransport) Close() error {
	return t.conn.Close()
}

func (t *lineTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// ServeTCP 接受行協議的 worker 連線，直到 listener 關閉
func (s *Server) ServeTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		t := newLineTransport(conn, s.cfg.MaxMessageBytes)
		go func() {
			err := s.broker.ServeConn(s.ctx, t)
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Info("TCP worker connection ended", "remote", t.RemoteAddr(), "error", err)
			}
		}()
	}
}
