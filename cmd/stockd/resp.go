package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/mirkobrombin/go-lease/v1/runner"
)

var errInvalidProtocol = errors.New("ERR protocol error")

// respReader parses RESP arrays of bulk strings and inline commands.
type respReader struct {
	rd *bufio.Reader
}

func (r *respReader) readCommand() ([][]byte, error) {
	line, err := r.rd.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errInvalidProtocol
	}
	if line[0] != '*' {
		var args [][]byte
		for _, f := range strings.Fields(string(line[:len(line)-2])) {
			args = append(args, []byte(f))
		}
		return args, nil
	}

	count, err := strconv.Atoi(string(line[1 : len(line)-2]))
	if err != nil || count < 0 {
		return nil, errInvalidProtocol
	}
	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		line, err = r.rd.ReadSlice('\n')
		if err != nil {
			return nil, err
		}
		if len(line) < 3 || line[0] != '$' {
			return nil, errInvalidProtocol
		}
		length, err := strconv.Atoi(string(line[1 : len(line)-2]))
		if err != nil {
			return nil, errInvalidProtocol
		}
		if length < 0 {
			args = append(args, nil)
			continue
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r.rd, data); err != nil {
			return nil, err
		}
		if _, err := r.rd.Discard(2); err != nil {
			return nil, err
		}
		args = append(args, data)
	}
	return args, nil
}

type respWriter struct {
	wr      *bufio.Writer
	scratch []byte
}

func (w *respWriter) writeError(msg string) {
	w.wr.WriteByte('-')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *respWriter) writeSimple(msg string) {
	w.wr.WriteByte('+')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *respWriter) writeInt(n int64) {
	w.wr.WriteByte(':')
	w.scratch = strconv.AppendInt(w.scratch[:0], n, 10)
	w.wr.Write(w.scratch)
	w.wr.WriteString("\r\n")
}

// serveRESP accepts connections on ln until ctx is done or ln is closed.
func (s *service) serveRESP(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("stockd: accept failed", "error", err)
			continue
		}
		go s.handleRESP(ctx, conn)
	}
}

func (s *service) handleRESP(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	rd := &respReader{rd: bufio.NewReader(conn)}
	wr := &respWriter{wr: bufio.NewWriter(conn), scratch: make([]byte, 0, 32)}

	for {
		args, err := rd.readCommand()
		if err != nil {
			if errors.Is(err, errInvalidProtocol) {
				wr.writeError(err.Error())
				_ = wr.wr.Flush()
			}
			return
		}
		quit := s.execute(ctx, wr, args)
		// Pipelined commands already buffered are answered in one flush.
		for !quit && rd.rd.Buffered() > 0 {
			if args, err = rd.readCommand(); err != nil {
				_ = wr.wr.Flush()
				return
			}
			quit = s.execute(ctx, wr, args)
		}
		if err := wr.wr.Flush(); err != nil || quit {
			return
		}
	}
}

// execute runs one command and reports whether the connection should close.
func (s *service) execute(ctx context.Context, w *respWriter, args [][]byte) bool {
	if len(args) == 0 {
		return false
	}
	resource := ""
	if len(args) > 1 {
		resource = string(args[1])
	}

	switch strings.ToUpper(string(args[0])) {
	case "PING":
		w.writeSimple("PONG")
	case "QUIT":
		w.writeSimple("OK")
		return true
	case "INITSTOCK":
		n := s.initial
		if len(args) > 2 {
			parsed, err := strconv.ParseInt(string(args[2]), 10, 64)
			if err != nil || parsed < 0 {
				w.writeError("ERR invalid integer")
				return false
			}
			n = parsed
		}
		if err := s.initStock(ctx, resource, n); err != nil {
			w.writeError("ERR " + err.Error())
			return false
		}
		w.writeSimple("OK")
	case "DEDUCT":
		res := s.deduct(ctx, resource)
		msg, _ := reply(res)
		switch res.Status {
		case runner.StatusSuccess:
			w.writeInt(res.Count)
		case runner.StatusInsufficientInventory:
			w.writeError("INSUFFICIENT " + msg)
		case runner.StatusLockUnavailable:
			w.writeError("BUSY " + msg)
		default:
			w.writeError("ERR " + msg)
		}
	case "STOCK":
		if resource == "" {
			resource = s.resource
		}
		n, err := s.runner.Stock(ctx, resource)
		if err != nil {
			w.writeError("ERR " + err.Error())
			return false
		}
		w.writeInt(n)
	default:
		w.writeError("ERR unknown command '" + string(args[0]) + "'")
	}
	return false
}
