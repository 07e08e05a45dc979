package events

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New(4)
	ch := bus.Subscribe()

	corr := NewCorrelationID()
	emitter := bus.Correlate(corr)
	emitter.Emit(FamilyDownload, StageStart, "curl", "starting download", nil)

	select {
	case e := <-ch:
		if e.CorrelationID != corr || e.Package != "curl" || e.Stage != StageStart {
			t.Fatalf("unexpected event: %+v", e)
		}
	default:
		t.Fatal("expected buffered event")
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	bus := New(1)
	_ = bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Family: FamilyState, Stage: StageProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done // publishing must return even though the channel fills up
}
