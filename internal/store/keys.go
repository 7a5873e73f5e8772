package store

import (
	"encoding/binary"
)

// Each table is a single-byte key prefix; components are joined with a NUL
// separator (currency ids, addresses and hashes never contain NUL). Round
// numbers are big-endian so iteration order follows numeric order.
const (
	tagWatermark byte = 'w'
	tagWork      byte = 'r'
	tagStake     byte = 's'
	tagPayout    byte = 'p'
	tagMember    byte = 'm'
	tagStaker    byte = 'k'
)

const sep byte = 0x00

func makeKey(tag byte, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p) + 1
	}
	key := make([]byte, 0, n)
	key = append(key, tag)
	for _, p := range parts {
		key = append(key, sep)
		key = append(key, p...)
	}
	return key
}

func roundBytes(round uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], round)
	return b[:]
}

func watermarkKey(currency string) []byte {
	return makeKey(tagWatermark, []byte(currency))
}

func workKey(currency string, round uint64, addr string) []byte {
	return makeKey(tagWork, []byte(currency), roundBytes(round), []byte(addr))
}

func workPrefix(currency string, round uint64) []byte {
	p := makeKey(tagWork, []byte(currency), roundBytes(round))
	return append(p, sep)
}

func stakeKey(currency, hash string) []byte {
	return makeKey(tagStake, []byte(currency), []byte(hash))
}

func stakePrefix(currency string) []byte {
	p := makeKey(tagStake, []byte(currency))
	return append(p, sep)
}

func payoutKey(currency, hash string) []byte {
	return makeKey(tagPayout, []byte(currency), []byte(hash))
}

func payoutPrefix(currency string) []byte {
	p := makeKey(tagPayout, []byte(currency))
	return append(p, sep)
}

func memberKey(currency, hash, addr string) []byte {
	return makeKey(tagMember, []byte(currency), []byte(hash), []byte(addr))
}

func memberPrefix(currency string) []byte {
	p := makeKey(tagMember, []byte(currency))
	return append(p, sep)
}

func stakerKey(currency, addr string) []byte {
	return makeKey(tagStaker, []byte(currency), []byte(addr))
}

func stakerPrefix(currency string) []byte {
	p := makeKey(tagStaker, []byte(currency))
	return append(p, sep)
}
