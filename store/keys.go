package store

import (
	"encoding/binary"
	"errors"
	"math"
)

// KV key layout. 0xff never occurs in valid utf-8, so it is safe as a
// separator for path-like segments; fixed-width ids bound the variable
// parts of index keys.
//
//	t <key>                          thing metadata
//	i <id8>                          id -> key
//	d <id8> <rev8>                   revision document
//	x <table> <pid8> <value> <id8>   property index entry
//	y <typeid8> <id8>                type membership index
//	p <group> <name>                 property id
//	c <txid8>                        changeset
//	v <column> <value> <txid8>       changeset secondary index
//	a <id8>                          account record
//	e <email>                        account email index
//	q <name>                         sequence counter
const sep = 0xff

func thingKey(key string) []byte {
	return append([]byte{'t', sep}, key...)
}

func idKey(id int64) []byte {
	b := []byte{'i', sep}
	return appendInt64(b, id)
}

func dataKey(id, revision int64) []byte {
	b := []byte{'d', sep}
	b = appendInt64(b, id)
	b = append(b, sep)
	return appendInt64(b, revision)
}

func indexKey(table string, pid int64, value []byte, id int64) []byte {
	b := indexPrefix(table, pid)
	b = append(b, value...)
	b = append(b, sep)
	return appendInt64(b, id)
}

func indexPrefix(table string, pid int64) []byte {
	b := []byte{'x', sep}
	b = append(b, table...)
	b = append(b, sep)
	b = appendInt64(b, pid)
	b = append(b, sep)
	return b
}

// indexEntryID extracts the thing id from the tail of an index key.
func indexEntryID(k []byte) (int64, bool) {
	if len(k) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(k[len(k)-8:])), true
}

// indexEntryValue extracts the encoded value between the prefix and the
// trailing separator+id.
func indexEntryValue(k []byte, prefix []byte) ([]byte, bool) {
	if len(k) < len(prefix)+9 {
		return nil, false
	}
	return k[len(prefix) : len(k)-9], true
}

func typeIndexKey(typeID, id int64) []byte {
	b := []byte{'y', sep}
	b = appendInt64(b, typeID)
	b = append(b, sep)
	return appendInt64(b, id)
}

func typeIndexPrefix(typeID int64) []byte {
	b := []byte{'y', sep}
	b = appendInt64(b, typeID)
	return append(b, sep)
}

func propertyKey(group, name string) []byte {
	b := []byte{'p', sep}
	b = append(b, group...)
	b = append(b, sep)
	return append(b, name...)
}

func changesetKey(txid int64) []byte {
	return appendInt64([]byte{'c', sep}, txid)
}

func changesetIndexKey(column string, value []byte, txid int64) []byte {
	b := changesetIndexPrefix(column, value)
	return appendInt64(b, txid)
}

func changesetIndexPrefix(column string, value []byte) []byte {
	b := []byte{'v', sep}
	b = append(b, column...)
	b = append(b, sep)
	b = append(b, value...)
	return append(b, sep)
}

func accountKey(id int64) []byte {
	return appendInt64([]byte{'a', sep}, id)
}

func emailKey(email string) []byte {
	return append([]byte{'e', sep}, email...)
}

func seqKey(name string) []byte {
	return append([]byte{'q', sep}, name...)
}

// prefixEnd returns the exclusive upper bound for scanning all keys that
// start with the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func appendInt64(b []byte, v int64) []byte {
	var u [8]byte
	binary.BigEndian.PutUint64(u[:], uint64(v))
	return append(b, u[:]...)
}

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

var errBadIndexValue = errors.New("value not representable in index key")

// Tags for the order-preserving value encoding used inside index keys.
// Negative tags sort below their non-negative counterparts so range
// operators map directly onto key-range scans.
const (
	intNegTag   = 0x82
	intTag      = 0x83
	floatNegTag = 0x8d
	floatZero   = 0x8e
	floatPosTag = 0x8f
	strTag      = 0x96
)

// encodeIndexValue produces an order-preserving encoding of an index value.
// Strings are escaped (0x00/0x01 prefixed with 0x01) and 0x00-terminated so
// a prefix sorts before its extensions; ints and floats are sign-split
// big-endian.
func encodeIndexValue(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case string:
		buf := []byte{strTag}
		for i := 0; i < len(v); i++ {
			c := v[i]
			if c == 0x00 || c == 0x01 {
				buf = append(buf, 0x01)
			}
			buf = append(buf, c)
		}
		return append(buf, 0x00), nil
	case int64:
		if v < 0 {
			return appendInt64([]byte{intNegTag}, v), nil
		}
		return appendInt64([]byte{intTag}, v), nil
	case float64:
		if v == 0 {
			return []byte{floatZero}, nil
		}
		u := math.Float64bits(v)
		if u&(1<<63) != 0 {
			b := []byte{floatNegTag}
			var w [8]byte
			binary.BigEndian.PutUint64(w[:], ^u)
			return append(b, w[:]...), nil
		}
		b := []byte{floatPosTag}
		var w [8]byte
		binary.BigEndian.PutUint64(w[:], u)
		return append(b, w[:]...), nil
	}
	return nil, errBadIndexValue
}

// encodeIndexValuePrefix encodes a string prefix without the terminator,
// for prefix-match scans.
func encodeIndexValuePrefix(s string) []byte {
	buf := []byte{strTag}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0x00 || c == 0x01 {
			buf = append(buf, 0x01)
		}
		buf = append(buf, c)
	}
	return buf
}

// decodeIndexValue reverses encodeIndexValue.
func decodeIndexValue(b []byte) (interface{}, bool) {
	if len(b) == 0 {
		return nil, false
	}
	switch b[0] {
	case strTag:
		var out []byte
		i := 1
		for i < len(b) {
			c := b[i]
			if c == 0x00 {
				return string(out), true
			}
			if c == 0x01 && i+1 < len(b) {
				i++
				c = b[i]
			}
			out = append(out, c)
			i++
		}
		return nil, false
	case intNegTag, intTag:
		if len(b) != 9 {
			return nil, false
		}
		return decodeInt64(b[1:]), true
	case floatZero:
		return float64(0), true
	case floatNegTag:
		if len(b) != 9 {
			return nil, false
		}
		return math.Float64frombits(^binary.BigEndian.Uint64(b[1:])), true
	case floatPosTag:
		if len(b) != 9 {
			return nil, false
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:])), true
	}
	return nil, false
}
