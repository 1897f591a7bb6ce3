package scanner

// Common initial TTLs and the systems that use them.
var osByInitialTTL = map[uint8]string{
	64:  "linux/unix",
	128: "windows",
	255: "network device",
}

// InitialTTL rounds an observed TTL up to the nearest common initial value.
func InitialTTL(observed uint8) uint8 {
	switch {
	case observed == 0:
		return 0
	case observed <= 64:
		return 64
	case observed <= 128:
		return 128
	default:
		return 255
	}
}

// Hops estimates the path length from an observed TTL.
func Hops(observed uint8) int {
	if observed == 0 {
		return 0
	}
	return int(InitialTTL(observed) - observed)
}

// OSFamily guesses the responder's OS family from an observed TTL.
func OSFamily(observed uint8) string {
	return osByInitialTTL[InitialTTL(observed)]
}
