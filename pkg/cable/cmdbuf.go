package cable

import (
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// Link is the byte stream a command buffer is drained into. Reads return
// payload bytes only; transports with framing (FTDI modem status) strip it.
type Link interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

const (
	cmdInitialLen = 64
	// CmdMaxLen bounds a single command's buffer.
	CmdMaxLen = 16 << 20
)

// Cmd is one protocol command under construction together with the number
// of bytes the device answers it with.
type Cmd struct {
	buf    []byte
	toRecv int
}

func (c *Cmd) Bytes() []byte { return c.buf }
func (c *Cmd) ToRecv() int { return c.toRecv }

func (c *Cmd) push(b byte) error {
	if len(c.buf) == cap(c.buf) {
		n := 2 * cap(c.buf)
		if n > CmdMaxLen {
			return jtagerr.OutOfMemory("command buffer exceeds %d bytes", CmdMaxLen)
		}
		nb := make([]byte, len(c.buf), n)
		copy(nb, c.buf)
		c.buf = nb
	}
	c.buf = append(c.buf, b)
	return nil
}

// FixedCmd builds a ready-made command, e.g. the MPSSE send-immediate
// appended to every transfer that expects an answer.
func FixedCmd(toRecv int, b ...byte) *Cmd {
	return &Cmd{buf: append([]byte(nil), b...), toRecv: toRecv}
}

// CmdRoot is the FIFO of commands compiled during one flush cycle plus the
// bytes the device sent back for them. MaxSend and MaxRecv bound one
// write and the answer bytes owed for it; zero means unbounded.
type CmdRoot struct {
	MaxSend int
	MaxRecv int

	cmds    []*Cmd
	pending []byte
	recv    []byte
	recvPos int
}

// Queue starts a new command expecting toRecv answer bytes.
func (r *CmdRoot) Queue(toRecv int) *Cmd {
	cmd := &Cmd{buf: make([]byte, 0, cmdInitialLen), toRecv: toRecv}
	r.cmds = append(r.cmds, cmd)
	return cmd
}

// Push appends a byte to the newest command.
func (r *CmdRoot) Push(b byte) error {
	if len(r.cmds) == 0 {
		return jtagerr.State("command push without a queued command")
	}
	return r.cmds[len(r.cmds)-1].push(b)
}

// PushBytes pushes bs in order, stopping at the first failure.
func (r *CmdRoot) PushBytes(bs ...byte) error {
	for _, b := range bs {
		if err := r.Push(b); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue pops the oldest command, or nil.
func (r *CmdRoot) Dequeue() *Cmd {
	if len(r.cmds) == 0 {
		return nil
	}
	cmd := r.cmds[0]
	r.cmds[0] = nil
	r.cmds = r.cmds[1:]
	return cmd
}

// Space is how many more bytes fit into the newest command before it
// reaches maxLen.
func (r *CmdRoot) Space(maxLen int) int {
	if len(r.cmds) == 0 {
		return maxLen
	}
	n := maxLen - len(r.cmds[len(r.cmds)-1].buf)
	if n < 0 {
		return 0
	}
	return n
}

// Len is the number of queued commands.
func (r *CmdRoot) Len() int { return len(r.cmds) }

// Truncate drops the commands queued after the first n.
func (r *CmdRoot) Truncate(n int) {
	for i := n; i < len(r.cmds); i++ {
		r.cmds[i] = nil
	}
	if n < len(r.cmds) {
		r.cmds = r.cmds[:n]
	}
}

// Queued reports the bytes the next Xfer would write, buffered output
// included, and the answer bytes it would read.
func (r *CmdRoot) Queued() (send, recv int) {
	send = len(r.pending)
	for _, cmd := range r.cmds {
		send += len(cmd.buf)
		recv += cmd.toRecv
	}
	return send, recv
}

// Xfer moves all queued commands to the link. Whenever the commands
// written so far expect an answer, extra is appended (if given) and
// exactly the expected number of bytes is read back. A write is cut short
// before it would pass MaxSend bytes or MaxRecv answer bytes. With how ==
// ToOutput, trailing commands that expect no answer stay buffered for the
// next Xfer. On failure the unsent commands are dropped.
func (r *CmdRoot) Xfer(link Link, extra *Cmd, how FlushAmount) error {
	// Keep unread bytes from an earlier cycle in front of the new ones.
	if r.recvPos > 0 {
		r.recv = append(r.recv[:0], r.recv[r.recvPos:]...)
		r.recvPos = 0
	}

	extraLen := 0
	if _, recv := r.Queued(); recv > 0 && extra != nil {
		extraLen = len(extra.buf)
	}
	toRecv := 0
	for cmd := r.Dequeue(); cmd != nil; cmd = r.Dequeue() {
		full := r.MaxSend > 0 && len(r.pending) > 0 && len(r.pending)+len(cmd.buf)+extraLen > r.MaxSend
		if r.MaxRecv > 0 && toRecv > 0 && toRecv+cmd.toRecv > r.MaxRecv {
			full = true
		}
		if full {
			if err := r.exchange(link, extra, toRecv); err != nil {
				r.cmds = nil
				return err
			}
			toRecv = 0
		}
		r.pending = append(r.pending, cmd.buf...)
		toRecv += cmd.toRecv
	}
	if toRecv == 0 && how == ToOutput {
		return nil
	}
	return r.exchange(link, extra, toRecv)
}

// exchange writes the buffered bytes and reads toRecv answer bytes.
func (r *CmdRoot) exchange(link Link, extra *Cmd, toRecv int) error {
	if toRecv > 0 && extra != nil {
		r.pending = append(r.pending, extra.buf...)
		toRecv += extra.toRecv
	}
	if len(r.pending) > 0 {
		out := r.pending
		r.pending = nil
		if _, err := link.Write(out); err != nil {
			return jtagerr.IO(err, "write %d command bytes", len(out))
		}
	}
	if toRecv == 0 {
		return nil
	}

	start := len(r.recv)
	r.recv = append(r.recv, make([]byte, toRecv)...)
	got := 0
	idle := 0
	for got < toRecv {
		n, err := link.Read(r.recv[start+got:])
		if err != nil {
			r.recv = r.recv[:start+got]
			return jtagerr.IO(err, "read %d of %d answer bytes", got, toRecv)
		}
		if n == 0 {
			idle++
			if idle > maxIdleReads {
				r.recv = r.recv[:start+got]
				return jtagerr.IOf("short read: %d of %d answer bytes", got, toRecv)
			}
			continue
		}
		idle = 0
		got += n
	}
	return nil
}

const maxIdleReads = 1000

// Recv pops one answer byte received by Xfer.
func (r *CmdRoot) Recv() (byte, error) {
	if r.recvPos >= len(r.recv) {
		return 0, jtagerr.IOf("answer buffer underrun")
	}
	b := r.recv[r.recvPos]
	r.recvPos++
	return b, nil
}

// Pending is the number of received bytes not yet consumed by Recv.
func (r *CmdRoot) Pending() int { return len(r.recv) - r.recvPos }

// Reset drops queued commands, buffered output and unread answers. The
// transfer limits are kept.
func (r *CmdRoot) Reset() {
	r.cmds = nil
	r.pending = nil
	r.recv = r.recv[:0]
	r.recvPos = 0
}
