// Package arbitrator decides which command source controls the apparatus:
// a TCP operator session or the hardware sequencer on the serial link.
package arbitrator

import "fmt"

// Authority is the command source currently in control.
type Authority uint8

const (
	None Authority = iota
	Local
	Sequencer
)

func (a Authority) String() string {
	switch a {
	case None:
		return "none"
	case Local:
		return "local"
	case Sequencer:
		return "sequencer"
	}
	return fmt.Sprintf("authority(%d)", a)
}

func (a Authority) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Authority) UnmarshalText(b []byte) error {
	for _, v := range []Authority{None, Local, Sequencer} {
		if v.String() == string(b) {
			*a = v
			return nil
		}
	}
	return fmt.Errorf("unknown authority %q", b)
}
