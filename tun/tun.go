// Package tun adapts a kernel TUN device to the interface contract
// the core consumes: Read yields the next outbound IP packet, Write
// delivers a decrypted one.
package tun

import (
	"github.com/songgao/water"
)

type Device struct {
	ifce *water.Interface
	mtu  int
}

// New opens a TUN device. The kernel picks the name; Name reports it.
func New(mtu int) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
	})
	if err != nil {
		return nil, err
	}
	return &Device{ifce: ifce, mtu: mtu}, nil
}

func (d *Device) Read(b []byte) (int, error) {
	return d.ifce.Read(b)
}

func (d *Device) Write(b []byte) (int, error) {
	return d.ifce.Write(b)
}

func (d *Device) Close() error {
	return d.ifce.Close()
}

func (d *Device) Name() string {
	return d.ifce.Name()
}

func (d *Device) MTU() int {
	return d.mtu
}
