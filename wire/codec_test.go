package wire

import (
	"testing"

	"github.com/matryer/is"
)

func roundTrip(t *testing.T, m Msg) Msg {
	t.Helper()
	is := is.New(t)

	raw, err := Encode(m)
	is.NoErr(err)

	got, err := Decode(raw)
	is.NoErr(err)
	return got
}

func TestRoundTripDataRequestWithPayload(t *testing.T) {
	is := is.New(t)

	want := DataRequest{ID: 7, Action: ActionPut, Path: "/a/b", Data: map[string]any{"x": 1.0}}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripDataRequestFalsePayloadSurvives(t *testing.T) {
	is := is.New(t)

	want := DataRequest{ID: 1, Action: ActionPut, Path: "/flag", Data: false}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripDataRequestZeroPayloadSurvives(t *testing.T) {
	is := is.New(t)

	want := DataRequest{ID: 1, Action: ActionPut, Path: "/n", Data: 0.0}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripDataRequestNoPayload(t *testing.T) {
	is := is.New(t)

	want := DataRequest{ID: 3, Action: ActionListen, Path: "/a"}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripDataResponseOK(t *testing.T) {
	is := is.New(t)

	want := DataResponse{ID: 7, Status: StatusOK, Data: "hi"}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripDataResponseError(t *testing.T) {
	is := is.New(t)

	want := DataResponse{ID: 7, Status: "permission_denied"}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripDataNotification(t *testing.T) {
	is := is.New(t)

	want := DataNotification{Action: NotifyData, Path: "/a/b", Data: 42.0}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripControlHandshake(t *testing.T) {
	is := is.New(t)

	want := ControlHandshake{Timestamp: 1234, Host: "s-1.webcom.example", Session: "sess-1"}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripControlRedirect(t *testing.T) {
	is := is.New(t)

	want := ControlRedirect{Host: "s-2.webcom.example"}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripControlShutdown(t *testing.T) {
	is := is.New(t)

	want := ControlShutdown{Reason: "server restarting"}
	got := roundTrip(t, want)
	is.Equal(got, want)
}

func TestRoundTripControlReset(t *testing.T) {
	is := is.New(t)

	got := roundTrip(t, ControlReset{})
	is.Equal(got, ControlReset{})
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	is := is.New(t)

	_, err := Decode("not json")
	is.True(err != nil)
	var de *DecodeError
	is.True(errorsAs(err, &de))
}

func TestDecodeRejectsUnknownEnvelopeType(t *testing.T) {
	is := is.New(t)

	_, err := Decode(`{"t":"x","d":{}}`)
	is.True(err != nil)
}

func TestDecodeRejectsResponseMissingID(t *testing.T) {
	is := is.New(t)

	_, err := Decode(`{"t":"d","d":{"a":"p","b":{"s":"ok"}}}`)
	is.True(err != nil)
}

func errorsAs(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if !ok {
		return false
	}
	*target = de
	return true
}
