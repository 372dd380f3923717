package mysqlcache

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
	"github.com/vmihailenco/msgpack/v5"
)

// codec maps values to a (payload, value_type) pair and back.
type codec struct {
	compressMinLength int
	compressLevel     int
}

// encode returns an int64 payload for plain integers so MySQL can do
// arithmetic on the stored value, and serialized bytes for everything else.
// Named integer types are serialized: a bare integer could not restore them.
func (c codec) encode(value any) (any, cacheentry.ValueType, error) {
	if n, ok := plainInt(value); ok {
		return n, cacheentry.ValueTypeInt, nil
	}

	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if c.compressMinLength > 0 && len(data) >= c.compressMinLength {
		compressed, err := c.compress(data)
		if err != nil {
			return nil, 0, err
		}
		return compressed, cacheentry.ValueTypeCompressed, nil
	}
	return data, cacheentry.ValueTypeSerialized, nil
}

func plainInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		if uint64(v) <= math.MaxInt64 {
			return int64(v), true
		}
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), true
		}
	}
	return 0, false
}

func (c codec) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.compressLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress value: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress value: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress value: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress value: %w", err)
	}
	return out, nil
}

// serialized returns the MessagePack bytes of a 'p' or 'z' row.
func serialized(raw []byte, vt cacheentry.ValueType) ([]byte, error) {
	switch vt {
	case cacheentry.ValueTypeSerialized:
		return raw, nil
	case cacheentry.ValueTypeCompressed:
		return decompress(raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownValueType, vt)
}

func parseInt(raw []byte) (int64, error) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse integer value %q: %w", raw, err)
	}
	return n, nil
}

// decode returns int64 for integer rows. Serialized integers come back as
// int64 or uint64, floats as float64, maps as map[string]any and binary
// values as []byte.
func (c codec) decode(raw []byte, vt cacheentry.ValueType) (any, error) {
	if vt == cacheentry.ValueTypeInt {
		return parseInt(raw)
	}
	data, err := serialized(raw, vt)
	if err != nil {
		return nil, err
	}
	// Loose interface decoding would turn bin into string, so widen here.
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to deserialize value: %w", err)
	}
	return widen(v), nil
}

func widen(v any) any {
	switch t := v.(type) {
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint32:
		return uint64(t)
	case float32:
		return float64(t)
	case []any:
		for i, e := range t {
			t[i] = widen(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = widen(e)
		}
		return t
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, e := range t {
			out[widen(k)] = widen(e)
		}
		return out
	}
	return v
}

// decodeInto decodes a row into dst, which must be a non-nil pointer.
func (c codec) decodeInto(raw []byte, vt cacheentry.ValueType, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidDestination
	}
	if vt == cacheentry.ValueTypeInt {
		n, err := parseInt(raw)
		if err != nil {
			return err
		}
		return assignInt(rv.Elem(), n)
	}
	data, err := serialized(raw, vt)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to deserialize value: %w", err)
	}
	return nil
}

func assignInt(v reflect.Value, n int64) error {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.OverflowInt(n) {
			return fmt.Errorf("%w: %d does not fit %s", ErrIntegerOverflow, n, v.Type())
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n < 0 || v.OverflowUint(uint64(n)) {
			return fmt.Errorf("%w: %d does not fit %s", ErrIntegerOverflow, n, v.Type())
		}
		v.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		v.SetFloat(float64(n))
	case reflect.Interface:
		if v.NumMethod() != 0 {
			return fmt.Errorf("cannot store integer in %s", v.Type())
		}
		v.Set(reflect.ValueOf(n))
	default:
		return fmt.Errorf("cannot store integer in %s", v.Type())
	}
	return nil
}
