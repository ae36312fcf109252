package message

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Constants for message serialization
const (
	// HeaderSize is the fixed size of the message header in bytes
	HeaderSize = 12

	// MaxMessageSize is the maximum flattened size of a message
	MaxMessageSize = 64 * 1024 * 1024 // 64MB

	// MaxNestingDepth is the maximum depth of nested messages
	MaxNestingDepth = 64

	// MaxValueCount is the maximum number of values in a message, values
	// of nested messages included
	MaxValueCount = 1 << 20

	// minEntrySize is the smallest possible entry: a one-byte key and one
	// one-byte value
	minEntrySize = 2 + 1 + 4 + 4 + 1
)

// Reserved entries carrying routing metadata.
const (
	targetKey = reservedPrefix + "target"
	flagsKey  = reservedPrefix + "flags"
	replyKey  = reservedPrefix + "reply"
)

var byteOrder = binary.LittleEndian

// Flatten serializes m into a new buffer using the wire format described
// in the package documentation. The result is deterministic for a given
// message.
func Flatten(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("message is nil")
	}
	size, err := m.size(0)
	if err != nil {
		return nil, err
	}

	e := &encoder{buf: make([]byte, size)}
	if err := e.writeMessage(m, size, 0); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Unflatten decodes a buffer produced by Flatten. Any inconsistency in the
// buffer is reported as ErrCorruptData; the decoder never reads past the
// buffer and never trusts a length before checking it.
func Unflatten(data []byte) (*Message, error) {
	var values int
	return unflatten(data, 0, &values)
}

// WriteMessage flattens m and writes it to w in one call.
func WriteMessage(w io.Writer, m *Message) error {
	data, err := Flatten(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one flattened message from r, using the total
// length in the header to find its end.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	total := byteOrder.Uint32(prefix[:])
	if total < HeaderSize || total > MaxMessageSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrCorruptData, total)
	}

	buf := make([]byte, total)
	copy(buf, prefix[:])
	if _, err := io.ReadFull(r, buf[len(prefix):]); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return Unflatten(buf)
}

// TypeCode implements Flattenable.
func (m *Message) TypeCode() TypeCode {
	return MessageType
}

// FlattenedSize implements Flattenable. It returns 0 for messages that
// cannot be flattened.
func (m *Message) FlattenedSize() int {
	size, err := m.size(0)
	if err != nil {
		return 0
	}
	return size
}

// Flatten implements Flattenable.
func (m *Message) Flatten(dst []byte) error {
	size, err := m.size(0)
	if err != nil {
		return err
	}
	if len(dst) < size {
		return fmt.Errorf("buffer of %d bytes is too small for %d", len(dst), size)
	}
	e := &encoder{buf: dst[:size]}
	return e.writeMessage(m, size, 0)
}

// Unflatten implements Flattenable.
func (m *Message) Unflatten(data []byte) error {
	decoded, err := Unflatten(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// wireFields returns the metadata entries followed by the store entries.
func (m *Message) wireFields() []*field {
	fields := make([]*field, 0, len(m.fields)+3)
	if m.Target != TokenPreferred {
		fields = append(fields, &field{name: targetKey, code: Int32Type, values: []any{m.Target}})
	}
	if m.flags != 0 {
		fields = append(fields, &field{name: flagsKey, code: Uint32Type, values: []any{uint32(m.flags)}})
	}
	if m.ReplyTo != nil {
		fields = append(fields, &field{name: replyKey, code: MessengerType, values: []any{*m.ReplyTo}})
	}
	return append(fields, m.fields...)
}

func (m *Message) size(depth int) (int, error) {
	var values int
	return m.measure(depth, &values)
}

// measure returns the flattened size of m and adds the number of values
// it holds to values.
func (m *Message) measure(depth int, values *int) (int, error) {
	if depth > MaxNestingDepth {
		return 0, fmt.Errorf("%w: nested deeper than %d", ErrTooLarge, MaxNestingDepth)
	}

	n := HeaderSize
	for _, f := range m.wireFields() {
		n += 2 + len(f.name) + 4 + 4
		*values += len(f.values)
		if *values > MaxValueCount {
			return 0, fmt.Errorf("%w: more than %d values", ErrTooLarge, MaxValueCount)
		}
		if w, ok := f.code.FixedSize(); ok {
			n += w * len(f.values)
			continue
		}
		for _, v := range f.values {
			vs, err := variableSize(v, depth, values)
			if err != nil {
				return 0, fmt.Errorf("key %q: %w", f.name, err)
			}
			n += 4 + vs
		}
		if n > MaxMessageSize {
			return 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxMessageSize)
		}
	}
	if n > MaxMessageSize {
		return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, n, MaxMessageSize)
	}
	return n, nil
}

func variableSize(v any, depth int, values *int) (int, error) {
	switch val := v.(type) {
	case string:
		return len(val), nil
	case []byte:
		return len(val), nil
	case *Message:
		return val.measure(depth+1, values)
	case Flattenable:
		size := val.FlattenedSize()
		if size < 0 {
			return 0, fmt.Errorf("flattenable %s reported negative size %d", val.TypeCode(), size)
		}
		return size, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// encoder writes into a buffer sized in advance by Message.size.
type encoder struct {
	buf []byte
	off int
}

func (e *encoder) putUint8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *encoder) putUint16(v uint16) {
	byteOrder.PutUint16(e.buf[e.off:], v)
	e.off += 2
}

func (e *encoder) putUint32(v uint32) {
	byteOrder.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *encoder) putUint64(v uint64) {
	byteOrder.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

func (e *encoder) putFloat32(v float32) {
	e.putUint32(math.Float32bits(v))
}

func (e *encoder) putString(s string) {
	e.off += copy(e.buf[e.off:], s)
}

// reserve checks that n more bytes fit before a variable-width write.
func (e *encoder) reserve(n int) error {
	if n < 0 || e.off+n > len(e.buf) {
		return fmt.Errorf("value of %d bytes overflows the %d byte buffer at offset %d", n, len(e.buf), e.off)
	}
	return nil
}

func (e *encoder) writeMessage(m *Message, size int, depth int) error {
	start := e.off
	fields := m.wireFields()

	e.putUint32(uint32(size))
	e.putUint32(m.What)
	e.putUint32(uint32(len(fields)))

	for _, f := range fields {
		e.putUint16(uint16(len(f.name)))
		e.putString(f.name)
		e.putUint32(uint32(f.code))
		e.putUint32(uint32(len(f.values)))
		for _, v := range f.values {
			if err := e.writeValue(v, depth); err != nil {
				return fmt.Errorf("key %q: %w", f.name, err)
			}
		}
	}

	if written := e.off - start; written != size {
		return fmt.Errorf("flattened %d bytes, expected %d", written, size)
	}
	return nil
}

func (e *encoder) writeValue(v any, depth int) error {
	switch val := v.(type) {
	case bool:
		if val {
			e.putUint8(1)
		} else {
			e.putUint8(0)
		}
	case int8:
		e.putUint8(uint8(val))
	case uint8:
		e.putUint8(val)
	case int16:
		e.putUint16(uint16(val))
	case uint16:
		e.putUint16(val)
	case int32:
		e.putUint32(uint32(val))
	case uint32:
		e.putUint32(val)
	case int64:
		e.putUint64(uint64(val))
	case uint64:
		e.putUint64(val)
	case float32:
		e.putFloat32(val)
	case float64:
		e.putUint64(math.Float64bits(val))
	case Point:
		e.putFloat32(val.X)
		e.putFloat32(val.Y)
	case Rect:
		e.putFloat32(val.Left)
		e.putFloat32(val.Top)
		e.putFloat32(val.Right)
		e.putFloat32(val.Bottom)
	case Address:
		e.putUint32(uint32(val.Team))
		e.putUint32(uint32(val.Port))
		e.putUint32(uint32(val.Token))
	case string:
		if err := e.reserve(4 + len(val)); err != nil {
			return err
		}
		e.putUint32(uint32(len(val)))
		e.putString(val)
	case []byte:
		if err := e.reserve(4 + len(val)); err != nil {
			return err
		}
		e.putUint32(uint32(len(val)))
		e.off += copy(e.buf[e.off:], val)
	case *Message:
		n, err := val.size(depth + 1)
		if err != nil {
			return err
		}
		if err := e.reserve(4 + n); err != nil {
			return err
		}
		e.putUint32(uint32(n))
		return e.writeMessage(val, n, depth+1)
	case Flattenable:
		n := val.FlattenedSize()
		if err := e.reserve(4 + n); err != nil {
			return err
		}
		e.putUint32(uint32(n))
		if err := val.Flatten(e.buf[e.off : e.off+n]); err != nil {
			return fmt.Errorf("flatten %s: %w", val.TypeCode(), err)
		}
		e.off += n
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

// decoder reads from a buffer, checking every length before use. values
// counts the values decoded so far, shared with the decoders of nested
// messages.
type decoder struct {
	data     []byte
	off      int
	values   *int
	metadata map[string]bool
}

func (d *decoder) remaining() int {
	return len(d.data) - d.off
}

func (d *decoder) readBytes(n int, what string) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, fmt.Errorf("%w: %s needs %d bytes at offset %d, %d left",
			ErrCorruptData, what, n, d.off, d.remaining())
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) readUint16(what string) (uint16, error) {
	b, err := d.readBytes(2, what)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b), nil
}

func (d *decoder) readUint32(what string) (uint32, error) {
	b, err := d.readBytes(4, what)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b), nil
}

func unflatten(data []byte, depth int, values *int) (*Message, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrCorruptData, MaxNestingDepth)
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptData, len(data))
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %w", ErrCorruptData, ErrTooLarge)
	}

	total := byteOrder.Uint32(data[0:4])
	if uint64(total) != uint64(len(data)) {
		return nil, fmt.Errorf("%w: header declares %d bytes, buffer holds %d", ErrCorruptData, total, len(data))
	}

	m := New(byteOrder.Uint32(data[4:8]))
	count := byteOrder.Uint32(data[8:12])

	d := &decoder{data: data, off: HeaderSize, values: values}
	if uint64(count)*minEntrySize > uint64(d.remaining()) {
		return nil, fmt.Errorf("%w: %d entries cannot fit in %d bytes", ErrCorruptData, count, d.remaining())
	}

	for i := uint32(0); i < count; i++ {
		if err := d.readEntry(m, depth); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptData, d.remaining())
	}
	return m, nil
}

func (d *decoder) readEntry(m *Message, depth int) error {
	keyLen, err := d.readUint16("key length")
	if err != nil {
		return err
	}
	if keyLen == 0 {
		return fmt.Errorf("%w: empty key", ErrCorruptData)
	}
	keyBytes, err := d.readBytes(int(keyLen), "key")
	if err != nil {
		return err
	}
	key := string(keyBytes)

	rawCode, err := d.readUint32("type code")
	if err != nil {
		return err
	}
	code := TypeCode(rawCode)

	count, err := d.readUint32("value count")
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: key %q has no values", ErrCorruptData, key)
	}

	values, err := d.readValues(code, count, depth)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}

	if strings.HasPrefix(key, reservedPrefix) {
		if d.metadata[key] {
			return fmt.Errorf("%w: duplicate key %q", ErrCorruptData, key)
		}
		if d.metadata == nil {
			d.metadata = make(map[string]bool, 3)
		}
		d.metadata[key] = true
		return applyMetadata(m, key, code, values)
	}
	if m.Has(key) {
		return fmt.Errorf("%w: duplicate key %q", ErrCorruptData, key)
	}
	m.addField(&field{name: key, code: code, values: values})
	return nil
}

func (d *decoder) readValues(code TypeCode, count uint32, depth int) ([]any, error) {
	if uint64(*d.values)+uint64(count) > MaxValueCount {
		return nil, fmt.Errorf("%w: more than %d values", ErrCorruptData, MaxValueCount)
	}
	*d.values += int(count)

	if w, ok := code.FixedSize(); ok {
		if uint64(count)*uint64(w) > uint64(d.remaining()) {
			return nil, fmt.Errorf("%w: %d values of %s need %d bytes, %d left",
				ErrCorruptData, count, code, uint64(count)*uint64(w), d.remaining())
		}
		values := make([]any, count)
		for i := range values {
			b, _ := d.readBytes(w, "value")
			v, err := decodeFixed(code, b)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	}

	var factory func() Flattenable
	switch code {
	case StringType, RawType, MessageType:
	default:
		var ok bool
		if factory, ok = lookupType(code); !ok {
			return nil, fmt.Errorf("%w: unknown type code %s", ErrCorruptData, code)
		}
	}

	if uint64(count)*4 > uint64(d.remaining()) {
		return nil, fmt.Errorf("%w: %d values cannot fit in %d bytes", ErrCorruptData, count, d.remaining())
	}
	values := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		length, err := d.readUint32("value length")
		if err != nil {
			return nil, err
		}
		payload, err := d.readBytes(int(length), "value")
		if err != nil {
			return nil, err
		}
		v, err := d.decodeVariable(code, payload, depth, factory)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func decodeFixed(code TypeCode, b []byte) (any, error) {
	f32 := func(off int) float32 {
		return math.Float32frombits(byteOrder.Uint32(b[off:]))
	}

	switch code {
	case BoolType:
		switch b[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, fmt.Errorf("%w: bool byte 0x%02x", ErrCorruptData, b[0])
		}
	case Int8Type:
		return int8(b[0]), nil
	case Uint8Type:
		return b[0], nil
	case Int16Type:
		return int16(byteOrder.Uint16(b)), nil
	case Uint16Type:
		return byteOrder.Uint16(b), nil
	case Int32Type:
		return int32(byteOrder.Uint32(b)), nil
	case Uint32Type:
		return byteOrder.Uint32(b), nil
	case Int64Type:
		return int64(byteOrder.Uint64(b)), nil
	case Uint64Type:
		return byteOrder.Uint64(b), nil
	case Float32Type:
		return f32(0), nil
	case Float64Type:
		return math.Float64frombits(byteOrder.Uint64(b)), nil
	case PointType:
		return Point{X: f32(0), Y: f32(4)}, nil
	case RectType:
		return Rect{Left: f32(0), Top: f32(4), Right: f32(8), Bottom: f32(12)}, nil
	case MessengerType:
		return Address{
			Team:  int32(byteOrder.Uint32(b[0:])),
			Port:  int32(byteOrder.Uint32(b[4:])),
			Token: int32(byteOrder.Uint32(b[8:])),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown fixed type %s", ErrCorruptData, code)
	}
}

func (d *decoder) decodeVariable(code TypeCode, payload []byte, depth int, factory func() Flattenable) (any, error) {
	switch code {
	case StringType:
		return string(payload), nil
	case RawType:
		return normalize(payload), nil
	case MessageType:
		return unflatten(payload, depth+1, d.values)
	}

	v := factory()
	if v == nil {
		return nil, fmt.Errorf("%w: factory for %s returned nil", ErrCorruptData, code)
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	if err := v.Unflatten(data); err != nil {
		return nil, fmt.Errorf("%w: unflatten %s: %v", ErrCorruptData, code, err)
	}
	return v, nil
}

func applyMetadata(m *Message, key string, code TypeCode, values []any) error {
	switch key {
	case targetKey:
		if code != Int32Type || len(values) != 1 {
			return fmt.Errorf("%w: malformed %s", ErrCorruptData, key)
		}
		m.Target = values[0].(int32)
	case flagsKey:
		if code != Uint32Type || len(values) != 1 {
			return fmt.Errorf("%w: malformed %s", ErrCorruptData, key)
		}
		m.flags = Flags(values[0].(uint32))
	case replyKey:
		if code != MessengerType || len(values) != 1 {
			return fmt.Errorf("%w: malformed %s", ErrCorruptData, key)
		}
		addr := values[0].(Address)
		m.ReplyTo = &addr
	default:
		return fmt.Errorf("%w: unknown reserved key %q", ErrCorruptData, key)
	}
	return nil
}
