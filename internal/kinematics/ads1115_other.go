//go:build !linux

package kinematics

import "errors"

// ADS1115 is only available on Linux.
type ADS1115 struct{}

// OpenADS1115 always fails off Linux.
func OpenADS1115(bus string, addr int) (*ADS1115, error) {
	return nil, errors.New("ads1115: i2c-dev requires linux")
}

// ReadVolts always fails off Linux.
func (a *ADS1115) ReadVolts() (float64, error) { return 0, ErrSourceClosed }

// Close is a no-op.
func (a *ADS1115) Close() error { return nil }
