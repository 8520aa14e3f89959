package backend

import (
	"errors"
	"testing"

	"github.com/jonwraymond/toolproxy/config"
)

func TestRegistry_Dial(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterDialer(config.TransportStdio, func(desc config.Backend, _ Conn) (Transport, error) {
		return newMockTransport(desc.Name), nil
	})

	got, err := reg.Dial(config.Backend{Name: "time"}, Conn{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if got.Name() != "time" {
		t.Errorf("Dial().Name() = %q, want %q", got.Name(), "time")
	}
}

func TestRegistry_DialUnsupported(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Dial(config.Backend{Name: "x", Transport: config.TransportSSE}, Conn{})
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Errorf("Dial() error = %v, want ErrUnsupportedTransport", err)
	}
}

func TestRegistry_Kinds(t *testing.T) {
	reg := NewRegistry()
	d := func(config.Backend, Conn) (Transport, error) { return nil, nil }
	reg.RegisterDialer(config.TransportStdio, d)
	reg.RegisterDialer(config.TransportHTTP, d)
	reg.RegisterDialer("", d)
	reg.RegisterDialer(config.TransportSSE, nil)

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != config.TransportHTTP || kinds[1] != config.TransportStdio {
		t.Errorf("Kinds() = %v, want [http stdio]", kinds)
	}
}
