package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalise_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalise()
	if err != nil {
		t.Fatalf("Normalise() error = %v", err)
	}
	want := PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalise() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalise_Invalid(t *testing.T) {
	for _, opts := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		if _, err := opts.Normalise(); err == nil {
			t.Errorf("Normalise(%+v) should fail", opts)
		}
	}
}

func TestPortOptions_ParseFraming(t *testing.T) {
	tests := []struct {
		in      string
		want    PortOptions
		wantErr bool
	}{
		{in: "", want: PortOptions{BaudRate: 9600}},
		{in: "8n1", want: PortOptions{BaudRate: 9600, DataBits: 8, Parity: "N", StopBits: 1}},
		{in: "7E2", want: PortOptions{BaudRate: 9600, DataBits: 7, Parity: "E", StopBits: 2}},
		{in: "9N1", wantErr: true},
		{in: "8X1", wantErr: true},
		{in: "8N3", wantErr: true},
		{in: "8N", wantErr: true},
	}
	for _, tt := range tests {
		got, err := PortOptions{BaudRate: 9600}.ParseFraming(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFraming(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseFraming(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}
}

func TestPortOptions_String(t *testing.T) {
	opts, err := PortOptions{Parity: "odd"}.Normalise()
	if err != nil {
		t.Fatal(err)
	}
	if got := opts.String(); got != "1312500 8O1" {
		t.Errorf("String() = %q", got)
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{Parity: "E", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != DefaultBaudRate || mode.Parity != serial.EvenParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("SerialMode() = %+v", mode)
	}
}
