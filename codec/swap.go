package codec

import "encoding/binary"

// hostBigEndian is true on hosts whose native byte order differs from the
// little-endian wire order. Scalar fields are normalized by the Encoder and
// Decoder; this flag only matters for bulk tensor payloads, which are copied
// raw and swapped element-wise when needed.
var hostBigEndian = func() bool {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	return probe[0] == 0
}()

// HostBigEndian reports whether bulk payloads need element-wise swapping on
// this host. Callers that must not mutate their source buffer use it to
// decide whether to normalize a copy instead.
func HostBigEndian() bool { return hostBigEndian }

// swapElems reverses the bytes of each elemBytes-sized element of data in
// place. Element boundaries are respected so that multi-byte elements swap
// as units, never across neighbors. len(data) must be a multiple of
// elemBytes.
func swapElems(data []byte, elemBytes int) {
	if elemBytes <= 1 {
		return
	}
	for base := 0; base+elemBytes <= len(data); base += elemBytes {
		for i, j := base, base+elemBytes-1; i < j; i, j = i+1, j-1 {
			data[i], data[j] = data[j], data[i]
		}
	}
}

// NormalizePayload converts a bulk tensor payload between host and wire
// representation in place, treating data as a sequence of elemBytes-sized
// elements. On little-endian hosts it is a no-op. The conversion is an
// involution, so the same call serves both directions.
func NormalizePayload(data []byte, elemBytes int) {
	if hostBigEndian {
		swapElems(data, elemBytes)
	}
}
