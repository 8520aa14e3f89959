package backend_test

import (
	"fmt"

	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/config"
)

func ExampleRegistry() {
	reg := backend.NewRegistry()
	reg.RegisterDialer(config.TransportStdio, func(config.Backend, backend.Conn) (backend.Transport, error) {
		return nil, nil
	})

	fmt.Printf("Kinds: %v\n", reg.Kinds())

	_, err := reg.Dial(config.Backend{Name: "search", Transport: config.TransportHTTP}, backend.Conn{})
	fmt.Println(err)
	// Output:
	// Kinds: [stdio]
	// unsupported transport: http
}

func ExampleFormatToolID() {
	id := backend.FormatToolID("time", "get_current_time")
	fmt.Println(id)

	name, tool, _ := backend.ParseToolID(id)
	fmt.Println(name, tool)
	// Output:
	// time:get_current_time
	// time get_current_time
}
