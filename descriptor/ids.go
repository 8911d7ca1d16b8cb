package descriptor

const hashConstant = 65599

// ID calculates the identifier used on the wire for a service or method
// name. It is the 65599 string hash seeded with the string length, computed
// with 32-bit wraparound.
func ID(name string) uint32 {
	hash := uint32(len(name))
	coefficient := uint32(hashConstant)
	for i := 0; i < len(name); i++ {
		hash += coefficient * uint32(name[i])
		coefficient *= hashConstant
	}
	return hash
}
