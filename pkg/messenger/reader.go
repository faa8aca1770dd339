package messenger

import (
	"errors"
	"fmt"
	"io"

	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Reader is handed to Object.Decode to read the arguments of one op.
//
// During validation the target is a throwaway instance and references
// resolve to throwaway instances too; Shadow reports which pass is running.
type Reader struct {
	dec *protocol.Decoder
	p   *pass
	obj Object
}

// truncated maps a short read onto protocol.ErrTruncated.
func truncated(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", protocol.ErrTruncated, err)
	}
	return err
}

// Target returns the object the op applies to.
func (r *Reader) Target() Object { return r.obj }

// Shadow reports whether this is the validation pass.
func (r *Reader) Shadow() bool { return r.p.shadow }

// Source returns the name of the stream being read.
func (r *Reader) Source() string { return r.p.src.Name }

// VecSize returns the vector width of the stream.
func (r *Reader) VecSize() int { return r.p.src.vecSize }

// Int16 reads an int16 argument.
func (r *Reader) Int16() (int16, error) {
	v, err := r.dec.ReadInt16()
	return v, truncated(err)
}

// Int32 reads an int32 argument.
func (r *Reader) Int32() (int32, error) {
	v, err := r.dec.ReadInt32()
	return v, truncated(err)
}

// Int64 reads an int64 argument.
func (r *Reader) Int64() (int64, error) {
	v, err := r.dec.ReadInt64()
	return v, truncated(err)
}

// Uint32 reads a uint32 argument.
func (r *Reader) Uint32() (uint32, error) {
	v, err := r.dec.ReadUint32()
	return v, truncated(err)
}

// Float reads a float32 argument.
func (r *Reader) Float() (float32, error) {
	v, err := r.dec.ReadFloat32()
	return v, truncated(err)
}

// Bool reads a boolean written as a u32.
func (r *Reader) Bool() (bool, error) {
	v, err := r.dec.ReadUint32()
	return v != 0, truncated(err)
}

// String reads a padded string argument.
func (r *Reader) String() (string, error) {
	s, err := r.dec.ReadString()
	return s, truncated(err)
}

// Vec reads a vector at the stream's width.
func (r *Reader) Vec() ([]float32, error) {
	v, err := r.dec.ReadVec(r.p.src.vecSize)
	return v, truncated(err)
}

// Obj reads an object reference. The null handle and handles that resolve
// to nothing both yield nil.
func (r *Reader) Obj() (Object, error) {
	raw, err := r.dec.ReadUint32()
	if err != nil {
		return nil, truncated(err)
	}
	if raw == 0 {
		return nil, nil
	}
	if err := r.p.m.limits.CheckHandle(raw); err != nil {
		return nil, err
	}
	return r.p.ref(handle.Handle(raw)), nil
}

// ObjAs reads an object reference of a concrete type. A reference to an
// object of another type fails with ErrClassMismatch.
func ObjAs[T Object](r *Reader) (T, error) {
	var zero T
	obj, err := r.Obj()
	if err != nil || obj == nil {
		return zero, err
	}
	t, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: reference to %T", ErrClassMismatch, obj)
	}
	return t, nil
}
