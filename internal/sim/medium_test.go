package sim

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/vanet-simulator/model"
)

type inbox struct {
	frames []model.Report
}

func (b *inbox) handle(_ context.Context, r model.Report) {
	b.frames = append(b.frames, r)
}

func fixed(x, y float64) Locator {
	return func() (float64, float64, bool) { return x, y, true }
}

func TestMediumBroadcastSkipsSender(t *testing.T) {
	sched := NewFakeEventScheduler(time.Unix(100, 0))
	m := NewMedium(MediumConfig{}, sched, nil)

	var a, b, c inbox
	pa := m.Attach("veh0", a.handle, nil)
	m.Attach("veh1", b.handle, nil)
	m.Attach("rsu0", c.handle, nil)

	pa.Send(context.Background(), model.Report{Kind: model.KindValidationReport, SenderID: 0, Recipient: model.Broadcast})
	if len(b.frames) != 0 {
		t.Fatalf("delivery must not happen inside the sender's call")
	}
	sched.RunDue()

	if len(a.frames) != 0 {
		t.Fatalf("sender received its own frame")
	}
	if len(b.frames) != 1 || len(c.frames) != 1 {
		t.Fatalf("deliveries b=%d c=%d, want 1 each", len(b.frames), len(c.frames))
	}
	got := b.frames[0]
	if got.SenderAddress != pa.Address() || !got.SentAt.Equal(time.Unix(100, 0)) {
		t.Fatalf("frame not stamped by medium: %+v", got)
	}
}

func TestMediumUnicastReachesOnlyRecipient(t *testing.T) {
	sched := NewFakeEventScheduler(time.Unix(0, 0))
	m := NewMedium(MediumConfig{Delay: 5 * time.Millisecond}, sched, nil)

	var a, b, c inbox
	pa := m.Attach("rsu0", a.handle, nil)
	pb := m.Attach("veh7", b.handle, nil)
	m.Attach("veh3", c.handle, nil)

	pa.Send(context.Background(), model.Report{Kind: model.KindAcknowledgement, Recipient: pb.Address()})
	sched.Advance(4 * time.Millisecond)
	if len(b.frames) != 0 {
		t.Fatalf("delivered before propagation delay")
	}
	sched.Advance(time.Millisecond)
	if len(b.frames) != 1 || len(c.frames) != 0 {
		t.Fatalf("deliveries b=%d c=%d, want 1 and 0", len(b.frames), len(c.frames))
	}

	pa.Send(context.Background(), model.Report{Kind: model.KindAcknowledgement, Recipient: 999})
	if got := m.Stats().DroppedNoTarget; got != 1 {
		t.Fatalf("DroppedNoTarget = %d, want 1", got)
	}
}

func TestMediumRangeAndTaps(t *testing.T) {
	sched := NewFakeEventScheduler(time.Unix(0, 0))
	m := NewMedium(MediumConfig{RangeM: 300}, sched, nil)

	var near, far inbox
	src := m.Attach("veh0", nil, fixed(0, 0))
	m.Attach("veh1", near.handle, fixed(200, 100))
	m.Attach("veh2", far.handle, fixed(1000, 0))

	var tapped int
	m.AddTap(func(context.Context, model.Report) { tapped++ })

	src.Send(context.Background(), model.Report{Kind: model.KindValidationReport, Recipient: model.Broadcast, Payload: []byte("x")})
	sched.RunDue()

	if len(near.frames) != 1 || len(far.frames) != 0 {
		t.Fatalf("range filter: near=%d far=%d", len(near.frames), len(far.frames))
	}
	if tapped != 1 {
		t.Fatalf("tap saw %d frames, want 1", tapped)
	}
	st := m.Stats()
	if st.Sent != 1 || st.Delivered != 1 || st.DroppedRange != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
