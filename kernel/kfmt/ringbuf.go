package kfmt

import "io"

// earlyBufferSize is the capacity of the buffer holding Printf output
// produced before an output sink is installed. Sized to cover a full 80x25
// text console; must stay a power of two so wrap-around is a mask.
const earlyBufferSize = 2048

// earlyBuffer is a fixed-size overwrite-oldest ring. Printf writes into it
// until SetOutputSink installs a real writer and drains it through Read.
type earlyBuffer struct {
	data [earlyBufferSize]byte

	// head is the next byte Read returns; count is the number of
	// buffered bytes. When count reaches capacity, writes advance head
	// and drop the oldest byte.
	head  int
	count int
}

func (eb *earlyBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		eb.data[(eb.head+eb.count)&(earlyBufferSize-1)] = b
		if eb.count == earlyBufferSize {
			eb.head = (eb.head + 1) & (earlyBufferSize - 1)
		} else {
			eb.count++
		}
	}
	return len(p), nil
}

// Read copies out up to len(p) buffered bytes in write order. A wrapped
// buffer takes two calls; an empty buffer returns io.EOF.
func (eb *earlyBuffer) Read(p []byte) (int, error) {
	if eb.count == 0 {
		return 0, io.EOF
	}

	n := eb.count
	if contig := earlyBufferSize - eb.head; contig < n {
		n = contig
	}
	if len(p) < n {
		n = len(p)
	}

	copy(p, eb.data[eb.head:eb.head+n])
	eb.head = (eb.head + n) & (earlyBufferSize - 1)
	eb.count -= n
	return n, nil
}
