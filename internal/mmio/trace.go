package mmio

// Access is one observed bus transaction.
type Access struct {
	Write bool
	Addr  uint64
	Width Width
	Value uint64
}

// Trace wraps a Bus and reports every access to fn after it completes.
type Trace struct {
	Bus Bus
	Fn  func(Access)
}

func (t Trace) Read(addr uint64, width Width) uint64 {
	v := t.Bus.Read(addr, width)
	t.Fn(Access{Addr: addr, Width: width, Value: v})
	return v
}

func (t Trace) Write(addr uint64, width Width, value uint64) {
	t.Bus.Write(addr, width, value)
	t.Fn(Access{Write: true, Addr: addr, Width: width, Value: value})
}

var _ Bus = Trace{}
