package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/health"
	"chatsync/internal/model"
)

type fakeQuerier struct {
	sinces []int64
	msgs   []model.Message
	err    error
}

func (f *fakeQuerier) MessagesSince(_ context.Context, _ string, since int64) ([]model.Message, error) {
	f.sinces = append(f.sinces, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs, nil
}

type fakeCkpt struct {
	values map[string]int64
}

func (f *fakeCkpt) GetCheckpointMillis(key string) (int64, error) { return f.values[key], nil }
func (f *fakeCkpt) SetCheckpointMillis(key string, ms int64) error {
	f.values[key] = ms
	return nil
}

func newPoller(q Querier, ckpt Checkpoints, mon *health.Monitor, apply func(model.Message) bool) *Poller {
	if apply == nil {
		apply = func(model.Message) bool { return false }
	}
	return NewPoller("u1", 15*time.Second, 90*time.Second, q, ckpt, mon, apply, nil, nil)
}

func TestSinceUsesOverlapWindow(t *testing.T) {
	q := &fakeQuerier{}
	p := newPoller(q, nil, nil, nil)
	now := time.UnixMilli(1_000_000)
	p.now = func() time.Time { return now }

	// No prior poll: since = now - overlap.
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if q.sinces[0] != 1_000_000-90_000 {
		t.Errorf("since = %d, want %d", q.sinces[0], 1_000_000-90_000)
	}

	// Next pass 15s later: now-overlap (925_000) is older than the last
	// horizon (1_000_000), so the exact horizon wins and nothing at the
	// boundary is lost.
	now = now.Add(15 * time.Second)
	_ = p.PollOnce(context.Background())
	if q.sinces[1] != 1_000_000 {
		t.Errorf("since = %d, want last horizon 1000000", q.sinces[1])
	}
}

func TestSinceRestoredFromCheckpoint(t *testing.T) {
	q := &fakeQuerier{}
	ckpt := &fakeCkpt{values: map[string]int64{CheckpointKey: 500}}
	p := newPoller(q, ckpt, nil, nil)
	now := time.UnixMilli(60_000)
	p.now = func() time.Time { return now }

	p.Start(context.Background())
	defer p.Stop()

	// now-overlap is negative here, so the restored checkpoint is the
	// later horizon and wins.
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if q.sinces[0] != 500 {
		t.Errorf("since = %d, want restored checkpoint 500", q.sinces[0])
	}
}

func TestHorizonAdvancesWithoutMessages(t *testing.T) {
	q := &fakeQuerier{}
	ckpt := &fakeCkpt{values: map[string]int64{}}
	p := newPoller(q, ckpt, nil, nil)
	now := time.UnixMilli(1_000_000)
	p.now = func() time.Time { return now }

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ckpt.values[CheckpointKey] != 1_000_000 {
		t.Errorf("checkpoint = %d, want advanced to now even with zero messages", ckpt.values[CheckpointKey])
	}
}

func TestErrorDoesNotAdvanceHorizon(t *testing.T) {
	q := &fakeQuerier{err: errors.New("boom")}
	ckpt := &fakeCkpt{values: map[string]int64{}}
	p := newPoller(q, ckpt, nil, nil)

	if err := p.PollOnce(context.Background()); err == nil {
		t.Fatal("PollOnce should surface the query error to the loop")
	}
	if _, ok := ckpt.values[CheckpointKey]; ok {
		t.Error("checkpoint advanced despite failed poll")
	}
}

func TestRecoveryMarksDegraded(t *testing.T) {
	mon := health.NewMonitor(nil)
	_ = mon.MarkConnecting()
	mon.MarkError()

	q := &fakeQuerier{msgs: []model.Message{
		{ID: "m1", ConversationID: "c1", Role: model.RoleUser, CreatedAt: 1000},
	}}
	p := newPoller(q, nil, mon, func(model.Message) bool { return true })

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mon.Status() != health.Degraded {
		t.Errorf("status = %s, want DEGRADED after poll recovery", mon.Status())
	}
}

func TestRedundantDeliveryDoesNotDegrade(t *testing.T) {
	mon := health.NewMonitor(nil)
	_ = mon.MarkConnecting()
	_ = mon.MarkConnected()

	// The subscription already delivered these; apply reports nothing new.
	q := &fakeQuerier{msgs: []model.Message{
		{ID: "m1", ConversationID: "c1", Role: model.RoleUser, CreatedAt: 1000},
	}}
	p := newPoller(q, nil, mon, func(model.Message) bool { return false })

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mon.Status() != health.Connected {
		t.Errorf("status = %s, want CONNECTED", mon.Status())
	}
}

func TestLoopPollsOnInterval(t *testing.T) {
	q := &fakeQuerier{}
	p := NewPoller("u1", 10*time.Millisecond, 90*time.Second, q, nil, nil,
		func(model.Message) bool { return false }, nil, nil)

	p.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	if len(q.sinces) == 0 {
		t.Fatal("loop never polled")
	}
	polled := len(q.sinces)
	time.Sleep(30 * time.Millisecond)
	if len(q.sinces) != polled {
		t.Error("poller kept polling after Stop")
	}
}
