package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/tuberig/internal/protocol"
)

func startMonitor(t *testing.T, mux *SerialMux[*TestableSerialPort]) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func nextFrame(t *testing.T, ch <-chan protocol.Frame) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return protocol.Frame{}
}

func TestMonitor_DecodesFrames(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()
	startMonitor(t, mux)

	port.Feed(protocol.ByteHandshake)
	if f := nextFrame(t, ch); f.Kind != protocol.FrameHandshake {
		t.Fatalf("got %v, want handshake", f.Kind)
	}

	port.Feed(1)
	f := nextFrame(t, ch)
	if f.Kind != protocol.FrameCommand || f.Command.Op != protocol.OpStartTrial {
		t.Fatalf("got %+v, want start_trial", f)
	}

	port.Feed(protocol.ByteText)
	port.Feed([]byte("set_disk 2|")...)
	f = nextFrame(t, ch)
	if f.Kind != protocol.FrameCommand || f.Command.Op != protocol.OpSetDisk || len(f.Command.Args) != 1 || f.Command.Args[0] != "2" {
		t.Fatalf("got %+v, want set_disk 2", f)
	}

	port.Feed(99)
	if f := nextFrame(t, ch); f.Kind != protocol.FrameInvalid || f.Err == nil {
		t.Fatalf("got %+v, want invalid frame", f)
	}

	st := mux.Stats()
	if st.Frames != 4 || st.Invalid != 1 || st.Subscribers != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestMonitor_EndsOnEOFAndError(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, done := startMonitor(t, mux)
	port.EndOfInput()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor() after EOF = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return on EOF")
	}

	port = NewTestableSerialPort()
	mux = NewSerialMux(port)
	_, done = startMonitor(t, mux)
	boom := errors.New("usb unplugged")
	port.FailNextRead(boom)
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Monitor() = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return on read error")
	}
}

func TestMonitor_ContextCancel(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	cancel, done := startMonitor(t, mux)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSendBytes(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	reply := protocol.HandshakeReply(1, "RaspbPi")
	if err := mux.SendBytes(reply); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	if got := port.Written(); string(got) != string(reply) {
		t.Errorf("written %x, want %x", got, reply)
	}
	if mux.Stats().BytesWritten != uint64(len(reply)) {
		t.Errorf("BytesWritten = %d", mux.Stats().BytesWritten)
	}

	port.FailNextWrite(errors.New("tx"))
	if err := mux.SendBytes([]byte{1}); err == nil {
		t.Error("expected write error")
	}
}

func TestSubscribeUnsubscribeClose(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	id, ch := mux.Subscribe()
	_, ch2 := mux.Subscribe()
	mux.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}

	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch2; ok {
		t.Error("Close should close remaining subscribers")
	}
	if !port.Closed() {
		t.Error("Close should close the port")
	}
	if err := mux.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, ch3 := mux.Subscribe(); ch3 != nil {
		if _, ok := <-ch3; ok {
			t.Error("subscribing after Close should return a closed channel")
		}
	}
}

func TestPublish_DropsForSlowSubscriber(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	mux.Subscribe()
	for i := 0; i < subscriberBuffer+5; i++ {
		mux.publish(protocol.Frame{Kind: protocol.FrameHandshake})
	}
	if got := mux.Stats().Dropped; got != 5 {
		t.Errorf("Dropped = %d, want 5", got)
	}
}

func TestAdminRoutes(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	dm := newDebugMux(t, mux)

	form := url.Values{"bytes": {"0a"}}
	req := httptest.NewRequest("POST", "/debug/sequencer-send", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()
	dm.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body)
	}
	if got := port.Written(); len(got) != 1 || got[0] != 0x0a {
		t.Errorf("written %x, want 0a", got)
	}

	req = httptest.NewRequest("POST", "/debug/sequencer-send", strings.NewReader("bytes=zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:5000"
	rec = httptest.NewRecorder()
	dm.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Errorf("bad hex status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest("GET", "/debug/sequencer-stats", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec = httptest.NewRecorder()
	dm.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `"bytes_written":1`) {
		t.Errorf("stats body = %s", rec.Body)
	}
}

func newDebugMux(t *testing.T, s SerialMuxInterface) *http.ServeMux {
	t.Helper()
	m := http.NewServeMux()
	s.AttachAdminRoutes(m)
	return m
}

func TestFormatFrame(t *testing.T) {
	cmd, _ := protocol.LookupOpcode(2)
	if got := FormatFrame(protocol.Frame{Kind: protocol.FrameCommand, Command: cmd, Raw: []byte{2}}); !strings.HasPrefix(got, "command end_trial") {
		t.Errorf("FormatFrame = %q", got)
	}
	if got := FormatFrame(protocol.Frame{Kind: protocol.FrameHandshake, Raw: []byte{255}}); got != "handshake raw=ff" {
		t.Errorf("FormatFrame = %q", got)
	}
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	_, ch2 := d.Subscribe()
	d.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel should close on Unsubscribe")
	}
	if err := d.SendBytes([]byte{1}); err != nil {
		t.Errorf("SendBytes = %v", err)
	}
	if d.Stats().Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", d.Stats().Subscribers)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Monitor(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor = %v", err)
	}
	d.Close()
	if _, ok := <-ch2; ok {
		t.Error("channel should close on Close")
	}
	if _, ch3 := d.Subscribe(); ch3 != nil {
		if _, ok := <-ch3; ok {
			t.Error("Subscribe after Close should return a closed channel")
		}
	}
}
