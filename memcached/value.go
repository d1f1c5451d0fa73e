package memcached

import (
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Value flag bits recorded in the extras of a stored item, describing
// how Body was encoded so a later Get can reverse the transformation.
const (
	FlagPickled    uint32 = 1 << 0
	FlagInt        uint32 = 1 << 1
	FlagLong       uint32 = 1 << 2
	FlagCompressed uint32 = 1 << 3
)

// EncodeFunc serializes an arbitrary value into bytes, used for any
// value that isn't already raw bytes or a plain integer.
type EncodeFunc func(v any) ([]byte, error)

// DecodeFunc is the inverse of EncodeFunc.
type DecodeFunc func(data []byte) (any, error)

// CompressFunc and DecompressFunc wrap the bytes produced by
// EncodeFunc (or raw input) before/after the wire, recorded via
// FlagCompressed.
type CompressFunc func([]byte) ([]byte, error)
type DecompressFunc func([]byte) ([]byte, error)

// valueCodec holds the callbacks a Client uses to turn caller values
// into wire bytes and back. The zero value is usable: Encode/Decode
// default to cbor, Compress/Decompress are nil (no compression).
type valueCodec struct {
	encode     EncodeFunc
	decode     DecodeFunc
	compress   CompressFunc
	decompress DecompressFunc
}

func defaultValueCodec() valueCodec {
	return valueCodec{
		encode: func(v any) ([]byte, error) { return cbor.Marshal(v) },
		decode: func(data []byte) (any, error) {
			var v any
			if err := cbor.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// serialize turns value into (flags, wire bytes) per the value-flags
// scheme: raw []byte/string pass through untouched (optionally
// compressed), small and large integers are stored as decimal ASCII
// and never compressed, anything else goes through encode (optionally
// compressed afterward).
func (vc valueCodec) serialize(value any) (uint32, []byte, error) {
	switch v := value.(type) {
	case []byte:
		return vc.maybeCompress(0, v)
	case string:
		return vc.maybeCompress(0, []byte(v))
	case int, int8, int16, int32, uint, uint8, uint16, uint32:
		return FlagInt, []byte(strconv.FormatInt(toInt64(v), 10)), nil
	case int64:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return FlagInt, []byte(strconv.FormatInt(v, 10)), nil
		}
		return FlagLong, []byte(strconv.FormatInt(v, 10)), nil
	case uint64:
		if v <= math.MaxInt32 {
			return FlagInt, []byte(strconv.FormatUint(v, 10)), nil
		}
		return FlagLong, []byte(strconv.FormatUint(v, 10)), nil
	default:
		encode := vc.encode
		if encode == nil {
			encode = defaultValueCodec().encode
		}
		data, err := encode(value)
		if err != nil {
			return 0, nil, fmt.Errorf("gomemcached: encode value: %w", err)
		}
		return vc.maybeCompress(FlagPickled, data)
	}
}

func (vc valueCodec) maybeCompress(flags uint32, data []byte) (uint32, []byte, error) {
	if vc.compress == nil {
		return flags, data, nil
	}
	compressed, err := vc.compress(data)
	if err != nil {
		return 0, nil, fmt.Errorf("gomemcached: compress value: %w", err)
	}
	return flags | FlagCompressed, compressed, nil
}

// deserialize reverses serialize given the flags recorded on the item.
func (vc valueCodec) deserialize(data []byte, flags uint32) (any, error) {
	if flags&FlagCompressed != 0 {
		decompress := vc.decompress
		if decompress == nil {
			return nil, fmt.Errorf("gomemcached: value is compressed but no decompressor is configured")
		}
		var err error
		data, err = decompress(data)
		if err != nil {
			return nil, fmt.Errorf("gomemcached: decompress value: %w", err)
		}
		flags &^= FlagCompressed
	}

	switch {
	case flags&FlagInt != 0:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gomemcached: parse int value: %w", err)
		}
		return int(n), nil
	case flags&FlagLong != 0:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gomemcached: parse long value: %w", err)
		}
		return n, nil
	case flags&FlagPickled != 0:
		decode := vc.decode
		if decode == nil {
			decode = defaultValueCodec().decode
		}
		v, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("gomemcached: decode value: %w", err)
		}
		return v, nil
	default:
		return data, nil
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}
