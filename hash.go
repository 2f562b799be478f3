package discobase

import (
	"crypto/sha1"
	"encoding/binary"
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// hashMask clears the top bit so every hash is a non-negative 63-bit
// value regardless of how it is later interpreted.
const hashMask = 1<<63 - 1

// hashValue hashes a field value into a 63-bit integer. The result is
// stable across processes and runs:
//
//   - strings and []byte hash by content (SHA-1, first 8 bytes);
//   - integers and bools hash to themselves;
//   - slices and arrays hash as an order-sensitive combination of
//     their element hashes;
//   - maps hash as an order-insensitive combination of key/value
//     hash pairs.
//
// Values with no defined hash rule return a StorageError.
func hashValue(v any) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	return hashReflected(reflect.ValueOf(v))
}

func hashReflected(val reflect.Value) (uint64, error) {
	switch val.Kind() {
	case reflect.String:
		return hashBytes([]byte(val.String())), nil
	case reflect.Bool:
		if val.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(val.Int()) & hashMask, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return val.Uint() & hashMask, nil
	case reflect.Slice, reflect.Array:
		if val.Kind() == reflect.Slice && val.Type().Elem().Kind() == reflect.Uint8 {
			return hashBytes(val.Bytes()), nil
		}
		d := xxhash.New()
		var buf [8]byte
		for i := range val.Len() {
			h, err := hashReflected(val.Index(i))
			if err != nil {
				return 0, err
			}
			binary.BigEndian.PutUint64(buf[:], h)
			d.Write(buf[:])
		}
		return d.Sum64() & hashMask, nil
	case reflect.Map:
		// Pairwise digests are summed so that iteration order does
		// not affect the result.
		var sum uint64
		var buf [16]byte
		iter := val.MapRange()
		for iter.Next() {
			kh, err := hashReflected(iter.Key())
			if err != nil {
				return 0, err
			}
			vh, err := hashReflected(iter.Value())
			if err != nil {
				return 0, err
			}
			binary.BigEndian.PutUint64(buf[:8], kh)
			binary.BigEndian.PutUint64(buf[8:], vh)
			sum += xxhash.Sum64(buf[:])
		}
		return sum & hashMask, nil
	case reflect.Interface, reflect.Pointer:
		if val.IsNil() {
			return 0, nil
		}
		return hashReflected(val.Elem())
	default:
		return 0, storagef("unhashable value of type %s: %v", val.Type(), val)
	}
}

func hashBytes(data []byte) uint64 {
	sum := sha1.Sum(data)
	return binary.BigEndian.Uint64(sum[:8]) & hashMask
}

// bucketIndex reduces a hash to a bucket position. It is a pure
// function of (hash, capacity) so positions are always recomputable
// without stored state.
func bucketIndex(hash uint64, capacity int) int {
	return int((hash & hashMask) % uint64(capacity))
}
