package reqreg

import (
	"testing"

	"github.com/cedlm/webcom-go/wire"
	"github.com/matryer/is"
)

func TestRegisterAllocatesIncreasingIDs(t *testing.T) {
	is := is.New(t)

	r := New(nil)
	id1, _ := r.Register()
	id2, _ := r.Register()
	is.True(id1 != 0)
	is.True(id2 > id1)
}

func TestCompleteDeliversToWaiter(t *testing.T) {
	is := is.New(t)

	r := New(nil)
	id, done := r.Register()
	ok := r.Complete(wire.DataResponse{ID: id, Status: wire.StatusOK, Data: "hi"})
	is.True(ok)

	res := <-done
	is.NoErr(res.Err)
	is.Equal(res.Response.Data, "hi")
}

func TestCompleteUnknownIDReportsFalse(t *testing.T) {
	is := is.New(t)

	r := New(nil)
	ok := r.Complete(wire.DataResponse{ID: 999, Status: wire.StatusOK})
	is.True(!ok)
}

func TestCompleteIsOneShotPerID(t *testing.T) {
	is := is.New(t)

	r := New(nil)
	id, _ := r.Register()
	is.True(r.Complete(wire.DataResponse{ID: id, Status: wire.StatusOK}))
	is.True(!r.Complete(wire.DataResponse{ID: id, Status: wire.StatusOK}))
}

func TestCancelRemovesWithoutDelivering(t *testing.T) {
	is := is.New(t)

	r := New(nil)
	id, _ := r.Register()
	r.Cancel(id)
	is.Equal(r.Len(), 0)
	is.True(!r.Complete(wire.DataResponse{ID: id, Status: wire.StatusOK}))
}

func TestFailAllDeliversErrorToEveryPending(t *testing.T) {
	is := is.New(t)

	r := New(nil)
	_, done1 := r.Register()
	_, done2 := r.Register()

	r.FailAll(errDisconnected)

	res1 := <-done1
	res2 := <-done2
	is.True(res1.Err != nil)
	is.True(res2.Err != nil)
	is.Equal(r.Len(), 0)
}

var errDisconnected = &testError{"connection reset"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
