package adapter

const (
	// diagnostic frames always carry the classic checksum
	masterRequestID = 0x3C
	slaveResponseID = 0x3D
)

// ProtectedID returns id with the two LIN parity bits in bit 6 and 7.
func ProtectedID(id uint8) uint8 {
	id &= 0x3F
	bit := func(n uint) uint8 { return (id >> n) & 1 }
	p0 := bit(0) ^ bit(1) ^ bit(2) ^ bit(4)
	p1 := (bit(1) ^ bit(3) ^ bit(4) ^ bit(5)) ^ 1
	return id | p0<<6 | p1<<7
}

// Checksum computes the inverted eight bit sum with carry over data. The
// enhanced variant includes the protected id.
func Checksum(pid uint8, data []byte, enhanced bool) uint8 {
	var sum uint16
	if enhanced {
		sum = uint16(pid)
	}
	for _, b := range data {
		sum += uint16(b)
		if sum > 0xFF {
			sum -= 0xFF
		}
	}
	return ^uint8(sum)
}

// FrameChecksum picks the checksum model for id, classic for diagnostic frames.
func FrameChecksum(id uint8, data []byte, enhanced bool) uint8 {
	if id == masterRequestID || id == slaveResponseID {
		enhanced = false
	}
	return Checksum(ProtectedID(id), data, enhanced)
}
