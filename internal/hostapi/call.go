package hostapi

import (
	"context"
	"encoding/json"
	"sync"
)

// Response is what a successful Call resolves to. Maintenance is set instead
// of failing when the remote reported that it is in maintenance mode.
type Response struct {
	Params      json.RawMessage `json:"params,omitempty"`
	Maintenance bool            `json:"maintenance,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// Decode unmarshals the response params into v.
func (r Response) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return WrapError(ErrorProtocol, "decode response params", err)
	}
	return nil
}

// Call is the caller's handle on one outstanding request. It settles exactly
// once, either with a Response or with an error.
type Call struct {
	ID     string
	Method string

	once sync.Once
	done chan struct{}
	resp Response
	err  error
}

func newCall(id, method string) *Call {
	return &Call{ID: id, Method: method, done: make(chan struct{})}
}

func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) settle(resp Response, err error) bool {
	settled := false
	c.once.Do(func() {
		c.resp = resp
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}

// Wait blocks until the call settles or ctx ends. A cancelled wait leaves
// the request outstanding; it is still settled by a response or the reaper.
func (c *Call) Wait(ctx context.Context) (Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Result reports the outcome without blocking. settled is false while the
// call is pending.
func (c *Call) Result() (resp Response, settled bool, err error) {
	select {
	case <-c.done:
		return c.resp, true, c.err
	default:
		return Response{}, false, nil
	}
}
