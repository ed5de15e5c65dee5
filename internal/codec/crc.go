// internal/codec/crc.go
package codec

// CRC16 computes the Modbus RTU check sequence (poly 0xA001, init 0xFFFF).
// On the wire the low byte is sent first.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

func checkCRC(adu []byte) bool {
	n := len(adu)
	if n < 3 {
		return false
	}
	want := CRC16(adu[:n-2])
	got := uint16(adu[n-2]) | uint16(adu[n-1])<<8
	return want == got
}
