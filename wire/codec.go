package wire

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame that cannot be parsed into a Msg: malformed
// JSON, an unrecognized envelope/control type, or a response missing the
// request id it must be correlated by.
type DecodeError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

type dataPlane struct {
	R *uint64         `json:"r,omitempty"`
	A string          `json:"a,omitempty"`
	B json.RawMessage `json:"b,omitempty"`
}

type dataBody struct {
	P string          `json:"p,omitempty"`
	D json.RawMessage `json:"d,omitempty"`
	S *string         `json:"s,omitempty"`
}

type controlPlane struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

type handshakeBody struct {
	Ts int64  `json:"ts"`
	H  string `json:"h"`
	S  string `json:"s"`
}

type redirectBody struct {
	H string `json:"h"`
}

type shutdownBody struct {
	R string `json:"r"`
}

// marshalData returns nil (and thus an omitted "d" key) for a nil payload,
// and the marshaled payload otherwise. Pre-marshaling into json.RawMessage
// — rather than leaving Data as `any` on the wrapping struct — sidesteps
// encoding/json's `omitempty`, which would otherwise also drop a literal
// false or 0 payload as "empty".
func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalData(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode serializes msg into its JSON wire frame. Encode never mutates
// anything outside its arguments and never blocks.
func Encode(msg Msg) (string, error) {
	var env envelope

	switch m := msg.(type) {
	case DataRequest:
		d, err := marshalData(m.Data)
		if err != nil {
			return "", err
		}
		body, err := json.Marshal(dataBody{P: m.Path, D: d})
		if err != nil {
			return "", err
		}
		id := m.ID
		inner, err := json.Marshal(dataPlane{R: &id, A: m.Action, B: body})
		if err != nil {
			return "", err
		}
		env = envelope{T: "d", D: inner}

	case DataResponse:
		d, err := marshalData(m.Data)
		if err != nil {
			return "", err
		}
		status := m.Status
		body, err := json.Marshal(dataBody{S: &status, D: d})
		if err != nil {
			return "", err
		}
		id := m.ID
		inner, err := json.Marshal(dataPlane{R: &id, B: body})
		if err != nil {
			return "", err
		}
		env = envelope{T: "d", D: inner}

	case DataNotification:
		d, err := marshalData(m.Data)
		if err != nil {
			return "", err
		}
		body, err := json.Marshal(dataBody{P: m.Path, D: d})
		if err != nil {
			return "", err
		}
		inner, err := json.Marshal(dataPlane{A: m.Action, B: body})
		if err != nil {
			return "", err
		}
		env = envelope{T: "d", D: inner}

	case ControlHandshake:
		body, err := json.Marshal(handshakeBody{Ts: m.Timestamp, H: m.Host, S: m.Session})
		if err != nil {
			return "", err
		}
		inner, err := json.Marshal(controlPlane{T: CtrlHandshake, D: body})
		if err != nil {
			return "", err
		}
		env = envelope{T: "c", D: inner}

	case ControlRedirect:
		body, err := json.Marshal(redirectBody{H: m.Host})
		if err != nil {
			return "", err
		}
		inner, err := json.Marshal(controlPlane{T: CtrlRedirect, D: body})
		if err != nil {
			return "", err
		}
		env = envelope{T: "c", D: inner}

	case ControlShutdown:
		body, err := json.Marshal(shutdownBody{R: m.Reason})
		if err != nil {
			return "", err
		}
		inner, err := json.Marshal(controlPlane{T: CtrlShutdown, D: body})
		if err != nil {
			return "", err
		}
		env = envelope{T: "c", D: inner}

	case ControlReset:
		inner, err := json.Marshal(controlPlane{T: CtrlReset})
		if err != nil {
			return "", err
		}
		env = envelope{T: "c", D: inner}

	default:
		return "", fmt.Errorf("wire: encode: unknown message type %T", msg)
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decode parses a JSON wire frame into a Msg. It is symmetric with Encode
// for every type Encode accepts, so Decode(Encode(m)) reproduces m field
// for field (round-trip law, spec §8).
func Decode(raw string) (Msg, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "malformed envelope", Err: err}
	}

	switch env.T {
	case "d":
		return decodeDataPlane(raw, env.D)
	case "c":
		return decodeControlPlane(raw, env.D)
	default:
		return nil, &DecodeError{Raw: raw, Reason: fmt.Sprintf("unknown envelope type %q", env.T)}
	}
}

func decodeDataPlane(raw string, d json.RawMessage) (Msg, error) {
	var inner dataPlane
	if err := json.Unmarshal(d, &inner); err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "malformed data-plane frame", Err: err}
	}

	var body dataBody
	if len(inner.B) > 0 {
		if err := json.Unmarshal(inner.B, &body); err != nil {
			return nil, &DecodeError{Raw: raw, Reason: "malformed data-plane body", Err: err}
		}
	}

	data, err := unmarshalData(body.D)
	if err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "malformed data-plane payload", Err: err}
	}

	if body.S != nil {
		if inner.R == nil {
			return nil, &DecodeError{Raw: raw, Reason: "response without request id"}
		}
		return DataResponse{ID: *inner.R, Status: *body.S, Data: data}, nil
	}

	if inner.R == nil {
		return DataNotification{Action: inner.A, Path: body.P, Data: data}, nil
	}

	return DataRequest{ID: *inner.R, Action: inner.A, Path: body.P, Data: data}, nil
}

func decodeControlPlane(raw string, d json.RawMessage) (Msg, error) {
	var ctrl controlPlane
	if err := json.Unmarshal(d, &ctrl); err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "malformed control-plane frame", Err: err}
	}

	switch ctrl.T {
	case CtrlHandshake:
		var hb handshakeBody
		if len(ctrl.D) > 0 {
			if err := json.Unmarshal(ctrl.D, &hb); err != nil {
				return nil, &DecodeError{Raw: raw, Reason: "malformed handshake body", Err: err}
			}
		}
		return ControlHandshake{Timestamp: hb.Ts, Host: hb.H, Session: hb.S}, nil

	case CtrlRedirect:
		var rb redirectBody
		if len(ctrl.D) > 0 {
			if err := json.Unmarshal(ctrl.D, &rb); err != nil {
				return nil, &DecodeError{Raw: raw, Reason: "malformed redirect body", Err: err}
			}
		}
		return ControlRedirect{Host: rb.H}, nil

	case CtrlShutdown:
		var sb shutdownBody
		if len(ctrl.D) > 0 {
			if err := json.Unmarshal(ctrl.D, &sb); err != nil {
				return nil, &DecodeError{Raw: raw, Reason: "malformed shutdown body", Err: err}
			}
		}
		return ControlShutdown{Reason: sb.R}, nil

	case CtrlReset:
		return ControlReset{}, nil

	default:
		return nil, &DecodeError{Raw: raw, Reason: fmt.Sprintf("unknown control type %q", ctrl.T)}
	}
}
