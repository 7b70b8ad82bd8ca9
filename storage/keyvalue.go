package storage

import (
	"encoding/binary"
	"fmt"
)

const (
	sizeConstantKey     = "s"
	tailConstantKey     = "t"
	merklePrefix        = "m"
	leafHashIndexPrefix = "l"
	blockPrefix         = "b"
)

func merkleKey(order uint64) []byte {
	return append([]byte(merklePrefix), encodeUint64(order)...)
}

func sizeKey() []byte {
	return []byte(sizeConstantKey)
}

func sizeKeyValue(size uint64) ([]byte, []byte) {
	return sizeKey(), encodeUint64(size)
}

func leafKey(hash []byte) []byte {
	return append([]byte(leafHashIndexPrefix), hash...)
}

func leafKeyValue(hash []byte, order uint64) ([]byte, []byte) {
	return leafKey(hash), encodeUint64(order)
}

// BlockPrefix is the key prefix shared by all block records. Iterating it
// yields blocks in index order.
func BlockPrefix() []byte {
	return []byte(blockPrefix)
}

// BlockKey returns the key of the block record at index
func BlockKey(index uint64) []byte {
	return append([]byte(blockPrefix), encodeUint64(index)...)
}

// BlockIndexFromKey extracts the index from a key produced by BlockKey
func BlockIndexFromKey(key []byte) (uint64, error) {
	if len(key) != len(blockPrefix)+8 || string(key[:len(blockPrefix)]) != blockPrefix {
		return 0, fmt.Errorf("%w: malformed block key %x", ErrCorrupt, key)
	}
	return binary.BigEndian.Uint64(key[len(blockPrefix):]), nil
}

// TailKey returns the key holding the index of the newest block
func TailKey() []byte {
	return []byte(tailConstantKey)
}

// EncodeUint64 encodes v the way every index value is stored
func EncodeUint64(v uint64) []byte {
	return encodeUint64(v)
}

// DecodeUint64 decodes a value written by EncodeUint64
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: index value is %d bytes", ErrCorrupt, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
