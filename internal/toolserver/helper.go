package toolserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Environment variables read by Main.
const (
	// ModeEnv selects the behavior of a helper process.
	ModeEnv = "TOOLSERVER_MODE"
	// PortEnv is set by the supervisor to the port reserved for the child.
	PortEnv = "TOOLPROXY_PORT"
)

// Helper modes.
const (
	// ModeStdio serves the demo tools on stdin/stdout until EOF.
	ModeStdio = "stdio"
	// ModeNoInit is ModeStdio without initialize support.
	ModeNoInit = "noinit"
	// ModeCrash exits with status 1 before reading anything.
	ModeCrash = "crash"
	// ModeCrashAfterCall serves until the first tools/call completes, then
	// exits with status 2.
	ModeCrashAfterCall = "crash-after-call"
	// ModeStubborn serves on stdio, ignores SIGTERM and never exits on EOF.
	ModeStubborn = "stubborn"
	// ModeHangAfterCall answers the first tools/call, then closes stdout
	// and lingers, ignoring SIGTERM until killed.
	ModeHangAfterCall = "hang-after-call"
	// ModeHTTP serves MCP streamable HTTP on 127.0.0.1:$TOOLPROXY_PORT.
	ModeHTTP = "http"
)

// RunFromEnv runs Main when ModeEnv is set. It reports whether it ran and
// the exit code. Test binaries call it from TestMain to act as a backend.
func RunFromEnv() (bool, int) {
	mode := os.Getenv(ModeEnv)
	if mode == "" {
		return false, 0
	}
	return true, Main(mode)
}

// Main runs a demo tool server in the given mode and returns an exit code.
func Main(mode string) int {
	s := New("toolserver", Options{})
	RegisterDemoTools(s)
	ctx := context.Background()

	switch mode {
	case ModeStdio:
	case ModeNoInit:
		s.opts.SkipInitialize = true
	case ModeCrash:
		return 1
	case ModeCrashAfterCall:
		s.opts.OnCall = func(string) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				os.Exit(2)
			}()
		}
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
		_ = s.Serve(ctx, os.Stdin, os.Stdout)
		linger()
	case ModeHangAfterCall:
		signal.Ignore(syscall.SIGTERM)
		s.opts.OnCall = func(string) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = os.Stdout.Close()
			}()
		}
		_ = s.Serve(ctx, os.Stdin, os.Stdout)
		linger()
	case ModeHTTP:
		return serveHTTP(s)
	default:
		fmt.Fprintln(os.Stderr, unknownMode(mode))
		return 64
	}
	if err := s.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// linger blocks forever. A pending timer keeps the runtime from treating
// the idle process as deadlocked.
func linger() {
	for {
		time.Sleep(time.Hour)
	}
}

func serveHTTP(s *Server) int {
	port, err := strconv.Atoi(os.Getenv(PortEnv))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", PortEnv, err)
		return 64
	}
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.HTTPHandler())
	srv := &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigs
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
