package mtproto

import (
	"crypto/sha1" //nolint:gosec // key id derivation is fixed by the protocol
	"encoding/binary"
)

// AuthKeySize is the size of the shared auth key in bytes.
const AuthKeySize = 256

// AuthKey is the shared cryptographic secret identifying a logical session
// with an endpoint. Multiple sessions toward the same endpoint may hold the
// same *AuthKey; it is immutable after creation, so sharing needs no locking.
type AuthKey struct {
	id   uint64
	data [AuthKeySize]byte
}

// NewAuthKey creates an AuthKey from raw key material. The key id is the low
// 8 bytes of the SHA1 of the key, as the protocol defines it.
func NewAuthKey(data []byte) *AuthKey {
	k := &AuthKey{}
	copy(k.data[:], data)

	sum := sha1.Sum(k.data[:]) //nolint:gosec
	k.id = binary.LittleEndian.Uint64(sum[len(sum)-8:])

	return k
}

// ID returns the 64-bit key id.
func (k *AuthKey) ID() uint64 {
	if k == nil {
		return 0
	}
	return k.id
}

// Data returns the raw key material.
func (k *AuthKey) Data() []byte {
	return k.data[:]
}

// Equal reports whether two keys refer to the same key material.
func (k *AuthKey) Equal(other *AuthKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k == other || k.id == other.id
}
