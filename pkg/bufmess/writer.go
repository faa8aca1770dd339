package bufmess

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-dev/scenesync/pkg/messenger"
)

// ErrInvalidLog is returned by SelectLog for an unknown log type.
var ErrInvalidLog = errors.New("bufmess: invalid log type")

// logWriter is one log's encoder and the buffer it fills.
type logWriter struct {
	log LogType
	mw  *messenger.Writer
	buf *Buffer
}

// Writer is a goroutine's view of the transport. It holds at most one
// buffer per log type and is not safe for concurrent use.
type Writer struct {
	t    *Transport
	ctx  context.Context
	logs [NumLogs]*logWriter
	cur  LogType
}

// NewWriter creates a writer whose pool waits are bounded by ctx.
func (t *Transport) NewWriter(ctx context.Context) *Writer {
	w := &Writer{t: t, ctx: ctx, cur: LogUpdate}
	for i := range w.logs {
		lw := &logWriter{log: LogType(i)}
		lw.mw = t.m.NewWriter(func(p []byte) error { return w.place(lw, p) })
		w.logs[i] = lw
	}
	return w
}

// SelectLog makes l the log for following writes. A packet may not span
// logs.
func (w *Writer) SelectLog(l LogType) error {
	if !l.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLog, int(l))
	}
	if w.Current().Open() {
		return messenger.ErrPacketOpen
	}
	w.cur = l
	return nil
}

// Log returns the selected log type.
func (w *Writer) Log() LogType { return w.cur }

// Current returns the encoder of the selected log. Its Put methods write
// object arguments.
func (w *Writer) Current() *messenger.Writer { return w.logs[w.cur].mw }

// Begin opens a packet in the selected log.
func (w *Writer) Begin() error {
	return w.Current().Begin()
}

// End closes the packet and places it into the log's buffer. On failure
// the packet is dropped and the writer can be used again.
func (w *Writer) End() error {
	mw := w.Current()
	if err := mw.End(); err != nil {
		mw.ClearErr()
		mw.Created()
		return err
	}
	return nil
}

// Abort drops the open packet.
func (w *Writer) Abort() {
	mw := w.Current()
	mw.Abort()
	mw.Created()
}

// Save writes obj and everything it references as one packet in the
// selected log, or into the open packet if there is one.
func (w *Writer) Save(obj messenger.Object) error {
	return w.packet(func(mw *messenger.Writer) error { return mw.Save(obj) })
}

// Delete writes the deletion of obj in the selected log.
func (w *Writer) Delete(obj messenger.Object) error {
	return w.packet(func(mw *messenger.Writer) error { return mw.Delete(obj) })
}

// Event writes an application event to the event log.
func (w *Writer) Event(code uint32, sender, target messenger.Object, data []byte) error {
	lw := w.logs[LogEvent]
	if lw.mw.Open() {
		return lw.mw.Event(code, sender, target, data)
	}
	if err := lw.mw.Event(code, sender, target, data); err != nil {
		lw.mw.ClearErr()
		return err
	}
	return nil
}

func (w *Writer) packet(fn func(*messenger.Writer) error) error {
	mw := w.Current()
	if mw.Open() {
		return fn(mw)
	}
	if err := mw.Begin(); err != nil {
		return err
	}
	if err := fn(mw); err != nil {
		mw.ClearErr()
		mw.Created()
		return err
	}
	return w.End()
}

// place copies a finished packet into the log's buffer, switching buffers
// when it does not fit.
func (w *Writer) place(lw *logWriter, p []byte) error {
	if len(p) > w.t.pool.Size() {
		return fmt.Errorf("%w: %d bytes, buffers hold %d", ErrPacketTooLarge, len(p), w.t.pool.Size())
	}
	if lw.buf == nil || lw.buf.Free() < len(p) {
		if err := w.switchBuffers(lw); err != nil {
			return err
		}
	}
	lw.buf.append(p)
	lw.buf.Creates = append(lw.buf.Creates, lw.mw.Created()...)
	return nil
}

// switchBuffers seals the held buffer of lw and takes a fresh one.
func (w *Writer) switchBuffers(lw *logWriter) error {
	w.seal(lw)
	b, err := w.t.pool.Get(w.ctx)
	if err != nil {
		return err
	}
	b.Log = lw.log
	lw.buf = b
	return nil
}

func (w *Writer) seal(lw *logWriter) {
	b := lw.buf
	if b == nil {
		return
	}
	lw.buf = nil
	if w.t.closed.Load() {
		b.Release()
		return
	}
	w.t.seal(b)
}

// Flush marks a frame boundary: distributed objects are saved into the
// update log and every held buffer is sealed.
func (w *Writer) Flush() error {
	lw := w.logs[LogUpdate]
	if !lw.mw.Open() && w.t.m.PendingLen() > 0 {
		if err := lw.mw.Flush(); err != nil {
			lw.mw.ClearErr()
			return err
		}
	}
	for _, lw := range w.logs {
		if lw.mw.Open() {
			continue
		}
		w.seal(lw)
	}
	return nil
}

// Close drops any open packet and seals the complete ones.
func (w *Writer) Close() error {
	for _, lw := range w.logs {
		lw.mw.Abort()
		lw.mw.Created()
		w.seal(lw)
	}
	return nil
}
