package store

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Stored values carry a one-byte format tag so the encoding can change
// without a migration.
func serializeStore(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{'j'}, b...), nil
}

func deserializeStore(b []byte, v interface{}) error {
	if len(b) < 1 {
		return errors.New("empty value stored in database")
	}
	if b[0] != 'j' {
		return errors.New("invalid encoding stored in database")
	}
	dec := json.NewDecoder(bytes.NewReader(b[1:]))
	dec.UseNumber()
	return dec.Decode(v)
}
