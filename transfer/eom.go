// Package transfer implements the chunked message protocol that runs over a
// single MTU-bounded link channel: fragmentation, end-of-message signaling,
// reassembly, subscription fan-out and outbound flow control.
//
// Wire format: a message is its payload split into fragments no larger than
// the link's current write limit, followed by one fragment that is exactly
// the three ASCII bytes "EOM". There are no headers or length prefixes.
package transfer

import "bytes"

// eomMarker is the end-of-message sentinel
var eomMarker = []byte("EOM")

// EOMMarker returns a copy of the end-of-message sentinel fragment
func EOMMarker() []byte {
	return append([]byte(nil), eomMarker...)
}

// EOMLen is the size of the sentinel fragment in bytes
const EOMLen = 3

// IsEOM reports whether fragment is exactly the sentinel
// A fragment that merely contains "EOM" is payload data
func IsEOM(fragment []byte) bool {
	return bytes.Equal(fragment, eomMarker)
}
