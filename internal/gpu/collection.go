package gpu

import (
	"errors"
	"fmt"
)

// Collection is the set of devices and streams buffers are assigned to.
//
// Buffer i runs on device i mod len(devices), on that device's stream
// (i / len(devices)) mod streamsPerDevice. The handles are read-only once
// the collection is built.
type Collection struct {
	devices []Device
	streams [][]Stream
}

// NewCollection creates streamsPerDevice streams on every device.
func NewCollection(devices []Device, streamsPerDevice int) (*Collection, error) {
	if len(devices) == 0 {
		return nil, errors.New("gpu: collection needs at least one device")
	}
	if streamsPerDevice <= 0 {
		streamsPerDevice = 1
	}

	c := &Collection{
		devices: devices,
		streams: make([][]Stream, len(devices)),
	}
	for i, dev := range devices {
		if err := dev.Select(); err != nil {
			return nil, fmt.Errorf("select device %d: %w", dev.ID(), err)
		}
		for j := 0; j < streamsPerDevice; j++ {
			s, err := dev.NewStream()
			if err != nil {
				return nil, fmt.Errorf("create stream %d on device %d: %w", j, dev.ID(), err)
			}
			c.streams[i] = append(c.streams[i], s)
		}
	}
	return c, nil
}

// Assign returns the device and stream serving buffer i.
func (c *Collection) Assign(i int) (Device, Stream) {
	n := len(c.devices)
	d := i % n
	s := (i / n) % len(c.streams[d])
	return c.devices[d], c.streams[d][s]
}

// Devices returns the devices in ordinal order.
func (c *Collection) Devices() []Device {
	return c.devices
}

// Close closes every device.
func (c *Collection) Close() error {
	var errs []error
	for _, dev := range c.devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
