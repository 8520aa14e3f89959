package ports

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFree(string, int) error { return nil }

func TestAllocator_DistinctPorts(t *testing.T) {
	a, err := New(Options{Min: 20000, Max: 20049, Probe: alwaysFree})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Reserve(0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[p], "port %d issued twice", p)
			seen[p] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)

	_, err = a.Reserve(0)
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestAllocator_HintConflictFirstComeFirstServed(t *testing.T) {
	a, err := New(Options{Min: 20000, Max: 20010, Probe: alwaysFree})
	require.NoError(t, err)

	p, err := a.Reserve(20005)
	require.NoError(t, err)
	assert.Equal(t, 20005, p)

	_, err = a.Reserve(20005)
	assert.ErrorIs(t, err, ErrPortConflict)
	_, err = a.ReserveExact(20005)
	assert.ErrorIs(t, err, ErrPortConflict)

	a.Release(20005)
	p, err = a.Reserve(20005)
	require.NoError(t, err)
	assert.Equal(t, 20005, p)
}

func TestAllocator_BusyHintFallsBackToScan(t *testing.T) {
	busy := 20003
	probe := func(_ string, port int) error {
		if port == busy {
			return errors.New("address in use")
		}
		return nil
	}
	a, err := New(Options{Min: 20000, Max: 20010, Probe: probe})
	require.NoError(t, err)

	p, err := a.Reserve(busy)
	require.NoError(t, err)
	assert.NotEqual(t, busy, p)

	_, err = a.ReserveExact(busy)
	assert.ErrorIs(t, err, ErrPortConflict)
}

func TestAllocator_RealBindProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	a, err := New(Options{Min: occupied, Max: occupied})
	require.NoError(t, err)
	_, err = a.Reserve(0)
	assert.ErrorIs(t, err, ErrNoPortsAvailable, "an OS-held port must never be issued")
}

func TestAllocator_ReleaseIsNotImmediateReuse(t *testing.T) {
	a, err := New(Options{Min: 20000, Max: 20003, Probe: alwaysFree})
	require.NoError(t, err)

	first, err := a.Reserve(0)
	require.NoError(t, err)
	a.Release(first)
	second, err := a.Reserve(0)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "scan continues past a just-released port")
	assert.True(t, a.Held(second))
	assert.False(t, a.Held(first))
	assert.Equal(t, []int{second}, a.Reserved())
}

func TestNew_InvalidRange(t *testing.T) {
	_, err := New(Options{Min: 10, Max: 5})
	assert.ErrorIs(t, err, ErrInvalidRange)
}
