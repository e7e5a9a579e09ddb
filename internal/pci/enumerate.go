package pci

// Enumerate scans buses 0..maxBus by brute force and returns every
// responding function. Functions 1-7 are only probed on multi-function
// devices.
func (c *ConfigSpace) Enumerate(maxBus uint8) []Function {
	var out []Function
	for bus := 0; bus <= int(maxBus); bus++ {
		for dev := uint8(0); dev < 32; dev++ {
			fn0, ok := c.readFunction(Address{Bus: uint8(bus), Device: dev})
			if !ok {
				continue
			}
			out = append(out, fn0)
			if !fn0.MultiFunction {
				continue
			}
			for f := uint8(1); f < 8; f++ {
				if fn, ok := c.readFunction(Address{Bus: uint8(bus), Device: dev, Function: f}); ok {
					out = append(out, fn)
				}
			}
		}
	}
	return out
}

func (c *ConfigSpace) readFunction(addr Address) (fn Function, ok bool) {
	_ = c.With(addr, func(cfg Config) error {
		fn, ok = ReadFunction(cfg)
		return nil
	})
	return fn, ok
}
