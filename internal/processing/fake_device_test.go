package processing

import (
	"errors"
	"sync"
	"time"
)

type fakeConfigure struct {
	sampleRate  int
	batchLength int
	channel     int
}

// fakeDevice hands out constant batches and records how it was driven.
type fakeDevice struct {
	mu          sync.Mutex
	code        uint32
	batchLength int
	delay       time.Duration
	rejectRate  int
	failNext    int
	onConfigure func()

	configures []fakeConfigure
	inReceive  bool
	overlapped bool
	receives   int
	closed     bool
}

func newFakeDevice(code uint32, delay time.Duration) *fakeDevice {
	return &fakeDevice{code: code, delay: delay}
}

func (d *fakeDevice) Configure(sampleRate, batchLength, channel int) error {
	d.mu.Lock()
	if d.inReceive {
		d.overlapped = true
	}
	hook := d.onConfigure
	if d.rejectRate != 0 && sampleRate == d.rejectRate {
		d.mu.Unlock()
		return errors.New("sampling_frequency rejected")
	}
	d.batchLength = batchLength
	d.configures = append(d.configures, fakeConfigure{sampleRate, batchLength, channel})
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (d *fakeDevice) Receive() ([]uint32, error) {
	d.mu.Lock()
	d.inReceive = true
	n := d.batchLength
	fail := d.failNext > 0
	if fail {
		d.failNext--
	}
	d.mu.Unlock()

	time.Sleep(d.delay)

	d.mu.Lock()
	d.inReceive = false
	d.receives++
	d.mu.Unlock()

	if fail {
		return nil, errors.New("link down")
	}

	codes := make([]uint32, n)
	for i := range codes {
		codes[i] = d.code
	}
	return codes, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fn(d)
}

func (d *fakeDevice) snapshot() fakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()

	return fakeDevice{
		configures: append([]fakeConfigure(nil), d.configures...),
		inReceive:  d.inReceive,
		overlapped: d.overlapped,
		receives:   d.receives,
		closed:     d.closed,
	}
}
