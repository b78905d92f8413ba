// utils/memzero.go
package utils

import "crypto/subtle"

// Zero overwrites b with zeros. Used to drop key material out of memory as
// soon as a signature or ciphertext has been produced.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
