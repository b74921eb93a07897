package actuator

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// pigpio daemon socket commands.
const (
	pigpioModes = 0
	pigpioWrite = 4
	pigpioHWPWM = 86

	pigpioModeOutput = 1
)

// Pins assigns GPIO numbers to channels.
type Pins struct {
	Tube  int `json:"tube"`
	Disk  int `json:"disk"`
	Frame int `json:"frame"`
}

// PigpioDriver drives the rig through a pigpio daemon socket: hardware PWM on
// the tube and disk pins, a plain level on the frame pin.
type PigpioDriver struct {
	pins    Pins
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// DialPigpio connects to a pigpio daemon (usually localhost:8888) and sets
// the frame pin to output.
func DialPigpio(addr string, pins Pins) (*PigpioDriver, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial pigpio %s: %w", addr, err)
	}
	d := NewPigpioDriver(conn, pins)
	if err := d.command(pigpioModes, uint32(pins.Frame), pigpioModeOutput, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set frame pin mode: %w", err)
	}
	return d, nil
}

// NewPigpioDriver uses an established connection.
func NewPigpioDriver(conn net.Conn, pins Pins) *PigpioDriver {
	return &PigpioDriver{conn: conn, pins: pins, timeout: time.Second}
}

// SetDuty writes one channel.
func (d *PigpioDriver) SetDuty(ch Channel, duty float64) error {
	switch ch {
	case Tube:
		return d.hardwarePWM(d.pins.Tube, duty)
	case Disk:
		return d.hardwarePWM(d.pins.Disk, duty)
	case Frame:
		level := uint32(0)
		if duty >= 0.5 {
			level = 1
		}
		return d.command(pigpioWrite, uint32(d.pins.Frame), level, nil)
	}
	return fmt.Errorf("pigpio: unknown %s", ch)
}

func (d *PigpioDriver) hardwarePWM(pin int, duty float64) error {
	ext := binary.LittleEndian.AppendUint32(nil, DutyCyclePPM(duty))
	return d.command(pigpioHWPWM, uint32(pin), PWMFrequency, ext)
}

// command sends {cmd, p1, p2, p3=len(ext)} followed by ext and reads the
// 16-byte reply whose last word is the signed result.
func (d *PigpioDriver) command(cmd, p1, p2 uint32, ext []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return net.ErrClosed
	}
	msg := make([]byte, 16, 16+len(ext))
	binary.LittleEndian.PutUint32(msg[0:], cmd)
	binary.LittleEndian.PutUint32(msg[4:], p1)
	binary.LittleEndian.PutUint32(msg[8:], p2)
	binary.LittleEndian.PutUint32(msg[12:], uint32(len(ext)))
	msg = append(msg, ext...)

	if d.timeout > 0 {
		_ = d.conn.SetDeadline(time.Now().Add(d.timeout))
	}
	if _, err := d.conn.Write(msg); err != nil {
		return fmt.Errorf("pigpio cmd %d: write: %w", cmd, err)
	}
	var reply [16]byte
	if _, err := io.ReadFull(d.conn, reply[:]); err != nil {
		return fmt.Errorf("pigpio cmd %d: read: %w", cmd, err)
	}
	if res := int32(binary.LittleEndian.Uint32(reply[12:])); res < 0 {
		return fmt.Errorf("pigpio cmd %d on gpio %d: error %d", cmd, p1, res)
	}
	return nil
}

// Close closes the daemon connection.
func (d *PigpioDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
