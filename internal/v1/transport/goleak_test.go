package transport

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Start spawns the read and write pumps; a read error must wind both down
// without leaving a goroutine behind (verified by TestMain's goleak check).
func TestStart_PumpsExitOnReadError(t *testing.T) {
	conn := &fakeConn{}
	dispatcher := &fakeDispatcher{}
	client := NewClient(conn, dispatcher, "a", "conn-1", "scene-1", time.Hour, time.Hour)

	client.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		dispatcher.mu.Lock()
		done := dispatcher.disconnects == 1
		dispatcher.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("disconnect handler never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
