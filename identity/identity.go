// Package identity derives the storage namespace a throttle tracks from its
// name and the ordered list of caller-supplied discriminators.
package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Resolve returns "<name>:<sha1 hex>" where the digest covers the JSON encoding
// of [name, discriminators...]. The name is always the first element, and the
// order of the discriminators is significant.
//
// The result has a bounded length regardless of how many discriminators are
// passed or how large they are.
func Resolve(name string, discriminators ...any) string {
	seq := make([]any, 0, len(discriminators)+1)
	seq = append(seq, name)
	seq = append(seq, discriminators...)

	sum := sha1.Sum(serialize(seq))
	return name + ":" + hex.EncodeToString(sum[:])
}

// serialize encodes the sequence as JSON. Maps get sorted keys from
// encoding/json, so equal values always encode the same way across processes.
func serialize(seq []any) []byte {
	data, err := json.Marshal(seq)
	if err == nil {
		return data
	}
	// Values JSON cannot represent (funcs, channels, cyclic structures) are
	// rendered element by element with the Go-syntax verb instead.
	parts := make([]string, len(seq))
	for i, v := range seq {
		if b, err := json.Marshal(v); err == nil {
			parts[i] = string(b)
			continue
		}
		parts[i] = fmt.Sprintf("%T:%#v", v, v)
	}
	data, _ = json.Marshal(parts)
	return data
}
