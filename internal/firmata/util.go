package firmata

import "strings"

const SevenBitMask byte = 0x7F

// TwoByteToByte joins an LSB/MSB pair of 7-bit bytes into one 8-bit byte.
func TwoByteToByte(lsb, msb byte) byte {
	return (lsb & SevenBitMask) | ((msb & SevenBitMask) << 7)
}

// ByteToTwoByte splits an 8-bit byte into an LSB/MSB pair of 7-bit bytes.
func ByteToTwoByte(b byte) (lsb, msb byte) {
	return b & SevenBitMask, (b >> 7) & SevenBitMask
}

// Uint14ToTwoByte splits a 14-bit value into an LSB/MSB pair.
func Uint14ToTwoByte(v uint16) (lsb, msb byte) {
	return byte(v) & SevenBitMask, byte(v>>7) & SevenBitMask
}

// TwoByteToUint14 joins an LSB/MSB pair into a 14-bit value.
func TwoByteToUint14(lsb, msb byte) uint16 {
	return uint16(lsb&SevenBitMask) | uint16(msb&SevenBitMask)<<7
}

// TwoByteRepresentationToByteSlice decodes pairs of 7-bit bytes. A trailing odd byte is
// treated as an LSB with a zero MSB.
func TwoByteRepresentationToByteSlice(data []byte) []byte {
	d := make([]byte, (len(data)+1)/2)
	for i := range d {
		lsb := data[2*i]
		var msb byte
		if 2*i+1 < len(data) {
			msb = data[2*i+1]
		}
		d[i] = TwoByteToByte(lsb, msb)
	}
	return d
}

// ByteSliceToTwoByteRepresentation encodes every byte as a pair of 7-bit bytes.
func ByteSliceToTwoByteRepresentation(data []byte) []byte {
	d := make([]byte, len(data)*2)
	for i, b := range data {
		d[2*i], d[2*i+1] = ByteToTwoByte(b)
	}
	return d
}

// TwoByteString decodes a string sent as 14-bit characters.
func TwoByteString(data []byte) string {
	var sb strings.Builder
	for _, b := range TwoByteRepresentationToByteSlice(data) {
		sb.WriteByte(b)
	}
	return sb.String()
}

// JoinSevenBit joins little-endian 7-bit groups into one value.
func JoinSevenBit(data []byte) int {
	v := 0
	for i, b := range data {
		v |= int(b&SevenBitMask) << (7 * i)
	}
	return v
}

// SplitSevenBit splits a non-negative value into little-endian 7-bit groups. It always
// returns at least one byte.
func SplitSevenBit(v int) []byte {
	out := []byte{byte(v) & SevenBitMask}
	v >>= 7
	for v > 0 {
		out = append(out, byte(v)&SevenBitMask)
		v >>= 7
	}
	return out
}
