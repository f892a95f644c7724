package vmclient

import "context"

// FakeClient is an in-memory Client for tests (spec §8 scenarios S1-S4
// prescribe exact VM outputs per call).
type FakeClient struct {
	// Results is consumed in FIFO order, one entry per ExecuteCall.
	Results []ExecuteResult
	calls   int

	// Err, if set, is returned from ExecuteCall instead of consuming
	// Results, used to simulate VM unavailability.
	Err error
}

// ExecuteCall implements Client.
func (f *FakeClient) ExecuteCall(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if f.Err != nil {
		return ExecuteResult{}, f.Err
	}
	if f.calls >= len(f.Results) {
		return ExecuteResult{}, nil
	}
	r := f.Results[f.calls]
	f.calls++
	return r, nil
}

// Calls reports how many ExecuteCall invocations have been served.
func (f *FakeClient) Calls() int { return f.calls }
