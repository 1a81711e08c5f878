package supervisor

import (
	"context"
	"time"

	"github.com/wrl/serialosc/testingstub"
)

// TestSupervisor exercises the full Starting->Running->Stopping lifecycle
// against real spawned children, in the style of this project's other
// top-level daemon test helpers (see testingstub.T). It lives outside
// _test.go so it can be called from this package's own tests as well as an
// embedding caller's, without pulling the "testing" package into a
// non-test binary.
func TestSupervisor(sup *Supervisor, t testingstub.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.Run(ctx)
	}()

	time.Sleep(300 * time.Millisecond)
	if sup.DeviceCount() != 0 {
		t.Fatal("expected no devices before any connection is reported")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}
}
