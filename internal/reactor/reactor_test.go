package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestSetTimerFires(t *testing.T) {
	is := is.New(t)

	r := NewDefault()
	var fired atomic.Bool
	r.SetTimer(10*time.Millisecond, func() { fired.Store(true) })

	time.Sleep(100 * time.Millisecond)
	is.True(fired.Load())
}

func TestCancelTimerSuppressesCallback(t *testing.T) {
	is := is.New(t)

	r := NewDefault()
	var fired atomic.Bool
	timer := r.SetTimer(50*time.Millisecond, func() { fired.Store(true) })
	r.CancelTimer(timer)

	time.Sleep(100 * time.Millisecond)
	is.True(!fired.Load())
}

func TestCancelAfterFireIsNoOp(t *testing.T) {
	r := NewDefault()
	done := make(chan struct{})
	timer := r.SetTimer(5*time.Millisecond, func() { close(done) })

	<-done
	r.CancelTimer(timer) // must not panic
}
