package virtio

import "fmt"

// Chain is one descriptor chain taken from the available ring.
type Chain struct {
	Head     uint16
	Readable []VirtQueuePayload
	Writable []VirtQueuePayload

	q *VirtQueue
}

// PopChain takes the next available chain, if any.
func (q *VirtQueue) PopChain() (*Chain, bool, error) {
	head, ok, err := q.GetAvailableBuffer()
	if err != nil || !ok {
		return nil, false, err
	}
	payloads, err := q.ReadDescriptorChain(head)
	if err != nil {
		return nil, false, err
	}
	c := &Chain{Head: head, q: q}
	for _, p := range payloads {
		if p.IsWrite {
			c.Writable = append(c.Writable, p)
		} else {
			c.Readable = append(c.Readable, p)
		}
	}
	return c, true, nil
}

// ReadAll concatenates the readable buffers.
func (c *Chain) ReadAll() ([]byte, error) {
	var data []byte
	for _, p := range c.Readable {
		chunk, err := c.q.ReadGuest(p.Addr, p.Length)
		if err != nil {
			return data, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// WritableLen is the total size of the writable buffers.
func (c *Chain) WritableLen() uint32 {
	var n uint32
	for _, p := range c.Writable {
		n += p.Length
	}
	return n
}

// Write scatters data across the writable buffers starting at byte off.
func (c *Chain) Write(off uint32, data []byte) (uint32, error) {
	var written uint32
	for _, p := range c.Writable {
		if len(data) == 0 {
			break
		}
		if off >= p.Length {
			off -= p.Length
			continue
		}
		n := min(uint32(len(data)), p.Length-off)
		if err := c.q.WriteGuest(p.Addr+uint64(off), data[:n]); err != nil {
			return written, err
		}
		data = data[n:]
		written += n
		off = 0
	}
	if len(data) > 0 {
		return written, fmt.Errorf("virtio: %d bytes do not fit chain %d", len(data), c.Head)
	}
	return written, nil
}

// Complete returns the chain to the driver with written bytes used.
func (c *Chain) Complete(written uint32) error {
	return c.q.PutUsedBuffer(c.Head, written)
}

// ChainProcessor handles one chain and returns the bytes it wrote.
type ChainProcessor func(c *Chain) (written uint32, err error)

// ProcessQueue completes every available chain with fn. It reports
// whether anything was completed so the caller can raise an interrupt.
func ProcessQueue(q *VirtQueue, fn ChainProcessor) (bool, error) {
	var processed bool
	for {
		c, ok, err := q.PopChain()
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		written, err := fn(c)
		if err != nil {
			return processed, err
		}
		if err := c.Complete(written); err != nil {
			return processed, err
		}
		processed = true
	}
}

// ShouldRaiseInterrupt honours VIRTQ_AVAIL_F_NO_INTERRUPT.
func ShouldRaiseInterrupt(q *VirtQueue, processed bool) bool {
	return processed && !q.InterruptSuppressed()
}
