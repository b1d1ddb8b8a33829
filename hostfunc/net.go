package hostfunc

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// createSocket replaces socket_open. It dials host:port over TCP on behalf
// of the calling instance and returns a handle into the instance's socket
// table. The connection is tracked so it is closed when the instance stops.
func (d *Dispatcher) createSocket(ctx context.Context, mod api.Module, stack []uint64) {
	hostPtr, hostLen, port := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeI32(stack[2])

	o, ok := d.owner(ctx)
	if !ok {
		result(stack, ErrnoNoInstance)
		return
	}
	log := d.logger(o, instrument.FuncCreateSocket)

	if hostLen == 0 || hostLen > DefaultMaxHostLen || port <= 0 || port > 65535 {
		result(stack, ErrnoInvalid)
		return
	}
	mem := mod.Memory()
	if mem == nil {
		result(stack, ErrnoFault)
		return
	}
	raw, ok := mem.Read(hostPtr, hostLen)
	if !ok {
		result(stack, ErrnoFault)
		return
	}
	host := string(raw)

	if len(d.sockets.AllowedHosts) == 0 || !d.isHostAllowed(host) {
		log.Info("socket denied", zap.String("host", host))
		result(stack, ErrnoDenied)
		return
	}

	dialer := net.Dialer{Timeout: d.sockets.DialTimeout}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(o.Context(), "tcp", addr)
	if err != nil {
		log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		result(stack, ErrnoConnect)
		return
	}

	h, ok := o.Sockets().Insert(conn)
	if !ok {
		conn.Close()
		result(stack, ErrnoConnect)
		return
	}
	o.Tracker().AddSocket(conn)
	result(stack, int32(h))
}

func (d *Dispatcher) isHostAllowed(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, allowed := range d.sockets.AllowedHosts {
		if allowed == "*" {
			return true
		}
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) conn(ctx context.Context, fd uint32) (Owner, net.Conn, int32) {
	o, ok := d.owner(ctx)
	if !ok {
		return nil, nil, ErrnoNoInstance
	}
	c, ok := o.Sockets().Get(fd)
	if !ok {
		return o, nil, ErrnoBadHandle
	}
	return o, c, 0
}

// sockSend writes len bytes at ptr to socket fd and returns the count written.
func (d *Dispatcher) sockSend(ctx context.Context, mod api.Module, stack []uint64) {
	fd, ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])

	o, c, errno := d.conn(ctx, fd)
	if errno != 0 {
		result(stack, errno)
		return
	}
	if n > uint32(d.sockets.MaxIOSize) {
		n = uint32(d.sockets.MaxIOSize)
	}
	buf, ok := readMem(mod, ptr, n)
	if !ok {
		result(stack, ErrnoFault)
		return
	}
	written, err := c.Write(buf)
	if err != nil {
		d.logger(o, FuncSockSend).Debug("write failed", zap.Uint32("fd", fd), zap.Error(err))
		if written == 0 {
			result(stack, ErrnoIO)
			return
		}
	}
	result(stack, int32(written))
}

// sockRecv reads up to len bytes from socket fd into ptr. It returns the
// count read, or 0 at end of stream.
func (d *Dispatcher) sockRecv(ctx context.Context, mod api.Module, stack []uint64) {
	fd, ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])

	o, c, errno := d.conn(ctx, fd)
	if errno != 0 {
		result(stack, errno)
		return
	}
	if n > uint32(d.sockets.MaxIOSize) {
		n = uint32(d.sockets.MaxIOSize)
	}
	if _, ok := readMem(mod, ptr, n); !ok {
		result(stack, ErrnoFault)
		return
	}

	buf := make([]byte, n)
	read, err := c.Read(buf)
	if read > 0 {
		mod.Memory().Write(ptr, buf[:read])
		result(stack, int32(read))
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		d.logger(o, FuncSockRecv).Debug("read failed", zap.Uint32("fd", fd), zap.Error(err))
		result(stack, ErrnoIO)
		return
	}
	result(stack, 0)
}

// sockClose closes socket fd and forgets it.
func (d *Dispatcher) sockClose(ctx context.Context, _ api.Module, stack []uint64) {
	fd := api.DecodeU32(stack[0])

	o, ok := d.owner(ctx)
	if !ok {
		result(stack, ErrnoNoInstance)
		return
	}
	c, ok := o.Sockets().Remove(fd)
	if !ok {
		result(stack, ErrnoBadHandle)
		return
	}
	o.Tracker().RemoveSocket(c)
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result(stack, ErrnoIO)
		return
	}
	result(stack, 0)
}

func readMem(mod api.Module, ptr, n uint32) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	return mem.Read(ptr, n)
}
