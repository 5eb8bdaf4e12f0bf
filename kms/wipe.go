package kms

import "crypto/ecdsa"

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// WipeAll overwrites every slice in parts.
func WipeAll(parts [][]byte) {
	for _, p := range parts {
		Wipe(p)
	}
}

// WipeECDSA zeroes the private scalar of key in place.
func WipeECDSA(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}
