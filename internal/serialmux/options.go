package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the sequencer module link speed.
const DefaultBaudRate = 1312500

// PortOptions describes the sequencer serial connection.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

var parities = map[byte]serial.Parity{
	'N': serial.NoParity,
	'E': serial.EvenParity,
	'O': serial.OddParity,
}

// ParseFraming reads a compact framing string such as "8N1" or "7E2" into
// the data bits, parity and stop bits of o. An empty string leaves o as is.
func (o PortOptions) ParseFraming(framing string) (PortOptions, error) {
	f := strings.ToUpper(strings.TrimSpace(framing))
	if f == "" {
		return o, nil
	}
	if len(f) != 3 || f[0] < '5' || f[0] > '8' || (f[2] != '1' && f[2] != '2') {
		return o, fmt.Errorf("invalid framing %q: expected e.g. 8N1", framing)
	}
	if _, ok := parities[f[1]]; !ok {
		return o, fmt.Errorf("invalid framing %q: parity must be N, E or O", framing)
	}
	o.DataBits = int(f[0] - '0')
	o.Parity = f[1:2]
	o.StopBits = int(f[2] - '0')
	return o, nil
}

// Normalise validates the options and fills unset fields with the 8N1
// framing at DefaultBaudRate.
func (o PortOptions) Normalise() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	switch p := strings.ToUpper(strings.TrimSpace(o.Parity)); p {
	case "", "N", "NONE":
		o.Parity = "N"
	case "E", "EVEN", "O", "ODD":
		o.Parity = p[:1]
	default:
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return o, nil
}

// String renders the options as "<baud> <framing>", e.g. "1312500 8N1".
func (o PortOptions) String() string {
	return fmt.Sprintf("%d %d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

// SerialMode converts the port options into the serial.Mode used to open the
// port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   parities[opts.Parity[0]],
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}
