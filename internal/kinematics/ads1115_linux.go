//go:build linux

package kinematics

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	i2cSlave = 0x0703

	adsRegConversion = 0x00
	adsRegConfig     = 0x01

	// AIN0 against GND, +/-6.144 V range, continuous conversion at 860 SPS,
	// comparator disabled.
	adsConfigHi = 0x40
	adsConfigLo = 0xE3

	adsFullScale = 6.144
)

// ADS1115 reads channel 0 of an ADS1115 converter on a Linux i2c-dev bus.
type ADS1115 struct {
	mu   sync.Mutex
	file *os.File
}

// OpenADS1115 opens bus (for example /dev/i2c-1), selects the device at addr
// and starts continuous conversion.
func OpenADS1115(bus string, addr int) (*ADS1115, error) {
	f, err := os.OpenFile(bus, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", bus, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, addr); err != nil {
		f.Close()
		return nil, fmt.Errorf("select i2c address %#x: %w", addr, err)
	}
	if _, err := f.Write([]byte{adsRegConfig, adsConfigHi, adsConfigLo}); err != nil {
		f.Close()
		return nil, fmt.Errorf("configure ads1115: %w", err)
	}
	if _, err := f.Write([]byte{adsRegConversion}); err != nil {
		f.Close()
		return nil, fmt.Errorf("select conversion register: %w", err)
	}
	return &ADS1115{file: f}, nil
}

// ReadVolts returns the latest conversion in volts.
func (a *ADS1115) ReadVolts() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return 0, ErrSourceClosed
	}
	var buf [2]byte
	if _, err := a.file.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read ads1115: %w", err)
	}
	return adsVolts(buf), nil
}

// Close releases the bus.
func (a *ADS1115) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

func adsVolts(b [2]byte) float64 {
	raw := int16(uint16(b[0])<<8 | uint16(b[1]))
	return float64(raw) * adsFullScale / 32768
}
