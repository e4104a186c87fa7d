package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcodes2003/attendance/internal/kvstore"
	"github.com/jcodes2003/attendance/internal/ledger"
	"github.com/jcodes2003/attendance/internal/policy"
	"github.com/jcodes2003/attendance/internal/queue"
)

type queueStub struct {
	msgs []queue.Message
}

func (q *queueStub) Publish(_ context.Context, msg queue.Message) error {
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *queueStub) Consume(context.Context) (<-chan queue.Message, error) {
	ch := make(chan queue.Message)
	close(ch)
	return ch, nil
}

func (q *queueStub) statuses(t *testing.T) []OutcomeStatus {
	t.Helper()
	var out []OutcomeStatus
	for _, msg := range q.msgs {
		require.Equal(t, queue.TypeOutcome, msg.Type)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Body, &ev))
		out = append(out, ev.Status)
	}
	return out
}

type rig struct {
	eng *Engine
	st  *Station
	q   *queueStub
	kv  kvstore.Store
	now time.Time
}

func newRig(t *testing.T, dedup ledger.DedupKey) *rig {
	t.Helper()
	kv := kvstore.NewMemory()
	q := &queueStub{}
	eng := New(policy.NewAttemptFlags(kv), "2468", 1500*time.Millisecond, q)

	r := &rig{eng: eng, q: q, kv: kv, now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng.now = func() time.Time { return r.now }

	st, err := NewManager(kv, dedup).Station(context.Background(), "main")
	require.NoError(t, err)
	r.st = st
	return r
}

func (r *rig) advance(d time.Duration) {
	r.now = r.now.Add(d)
}

func TestSelfCheckInSingleAttempt(t *testing.T) {
	r := newRig(t, ledger.ByName)
	ctx := context.Background()

	out := r.eng.HandleScan(ctx, r.st, "dev-a", `{"name":"Ann","deviceId":"d1"}`)
	assert.Equal(t, StatusSelfConfirmed, out.Status)
	assert.Nil(t, out.Record)
	assert.Empty(t, r.st.Roster(), "self confirmations never touch the roster")

	r.advance(2 * time.Second)
	out = r.eng.HandleScan(ctx, r.st, "dev-a", `{"name":"Bob"}`)
	assert.Equal(t, StatusUnauthorized, out.Status)
	assert.Equal(t, policy.ReasonAlreadyChecked, out.Reason)

	r.advance(2 * time.Second)
	out = r.eng.HandleScan(ctx, r.st, "dev-b", `{"name":"Cleo"}`)
	assert.Equal(t, StatusSelfConfirmed, out.Status)

	// The flag outlives this engine: a fresh session over the same store
	// still refuses dev-a.
	assert.True(t, policy.NewAttemptFlags(r.kv).Attempted(ctx, "dev-a"))

	assert.Equal(t,
		[]OutcomeStatus{StatusSelfConfirmed, StatusUnauthorized, StatusSelfConfirmed},
		r.q.statuses(t))
}

func TestScanDebounce(t *testing.T) {
	r := newRig(t, ledger.ByName)
	ctx := context.Background()
	require.NoError(t, r.eng.Unlock(r.st, "2468"))
	require.NoError(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan))

	raw := `{"name":"Ann"}`
	assert.Equal(t, StatusAccepted, r.eng.HandleScan(ctx, r.st, "dev-a", raw).Status)

	r.advance(time.Second)
	assert.Equal(t, StatusDebounced, r.eng.HandleScan(ctx, r.st, "dev-a", raw).Status)

	// The window slides: a suppressed repeat still counts as "last seen".
	r.advance(time.Second)
	assert.Equal(t, StatusDebounced, r.eng.HandleScan(ctx, r.st, "dev-a", raw).Status)

	r.advance(2 * time.Second)
	assert.Equal(t, StatusDuplicateName, r.eng.HandleScan(ctx, r.st, "dev-a", raw).Status)

	// A different payload inside the window is a new presentation.
	r.advance(100 * time.Millisecond)
	assert.Equal(t, StatusAccepted, r.eng.HandleScan(ctx, r.st, "dev-a", `{"name":"Bob"}`).Status)

	assert.Len(t, r.st.Roster(), 2)

	// Debounced scans are silent: three processed outcomes only.
	assert.Equal(t,
		[]OutcomeStatus{StatusAccepted, StatusDuplicateName, StatusAccepted},
		r.q.statuses(t))
}

func TestFreshStationEmptyScanNotDebounced(t *testing.T) {
	r := newRig(t, ledger.ByName)
	require.NoError(t, r.eng.Unlock(r.st, "2468"))
	require.NoError(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan))

	// lastRaw starts empty; an empty first scan must not match it.
	out := r.eng.HandleScan(context.Background(), r.st, "dev-a", "")
	assert.Equal(t, StatusInvalidName, out.Status)
}

func TestDuplicateDeviceShortCircuitsAuthorization(t *testing.T) {
	kv := kvstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "station:gate:config", `{"dedup_key":"device"}`))
	snapshot := `{"version":1,"records":[{"name":"Ann","deviceId":"d1","timestamp":"2025-03-01T08:00:00Z"}]}`
	require.NoError(t, kv.Set(ctx, "station:gate:ledger", snapshot))

	flags := policy.NewAttemptFlags(kv)
	q := &queueStub{}
	eng := New(flags, "2468", 0, q)
	st, err := NewManager(kv, ledger.ByName).Station(ctx, "gate")
	require.NoError(t, err)

	// Station is locked and in self-check-in mode, yet a known badge is
	// reported as a duplicate, not as unauthorized, and the scanning
	// device's own attempt stays unspent.
	out := eng.HandleScan(ctx, st, "dev-z", `{"name":"Ann Again","deviceId":"d1"}`)
	assert.Equal(t, StatusDuplicateDevice, out.Status)
	assert.False(t, flags.Attempted(ctx, "dev-z"))

	out = eng.HandleScan(ctx, st, "dev-z", `{"name":"New","deviceId":"d9"}`)
	assert.Equal(t, StatusSelfConfirmed, out.Status)
}

func TestOrganizerFlow(t *testing.T) {
	r := newRig(t, ledger.ByName)
	ctx := context.Background()

	out := r.eng.HandleManualEntry(ctx, r.st, "organizer-1", "Early Bird")
	assert.Equal(t, StatusUnauthorized, out.Status)
	assert.Equal(t, policy.ReasonLocked, out.Reason)

	assert.ErrorIs(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan), ErrLocked)
	assert.ErrorIs(t, r.eng.Unlock(r.st, "0000"), policy.ErrInvalidPIN)

	require.NoError(t, r.eng.Unlock(r.st, "2468"))
	require.NoError(t, r.eng.Unlock(r.st, "anything"), "an open lock stays open")
	require.NoError(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan))

	out = r.eng.HandleScan(ctx, r.st, "organizer-1", `{"name":"Ann Lee","deviceId":"d1"}`)
	require.Equal(t, StatusAccepted, out.Status)
	require.NotNil(t, out.Record)
	assert.Equal(t, "Ann Lee", out.Record.Name)
	assert.Equal(t, "d1", out.Record.DeviceID, "the badge's device id wins over the scanner's")

	r.advance(2 * time.Second)
	out = r.eng.HandleScan(ctx, r.st, "organizer-1", `{"fullName":"ann lee"}`)
	assert.Equal(t, StatusDuplicateName, out.Status)

	out = r.eng.HandleManualEntry(ctx, r.st, "organizer-1", "Ann Lee")
	assert.Equal(t, StatusDuplicateName, out.Status)

	r.advance(2 * time.Second)
	out = r.eng.HandleManualEntry(ctx, r.st, "organizer-1", "Bob")
	require.Equal(t, StatusAccepted, out.Status)
	assert.Equal(t, "organizer-1", out.Record.DeviceID, "typed entries carry the acting device")

	roster := r.st.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "Bob", roster[0].Name)
	assert.Equal(t, "Ann Lee", roster[1].Name)
}

func TestScanEventContents(t *testing.T) {
	r := newRig(t, ledger.ByName)
	ctx := context.Background()
	require.NoError(t, r.eng.Unlock(r.st, "2468"))
	require.NoError(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan))

	r.eng.HandleScan(ctx, r.st, "dev-a", `{"name":"Ann","deviceId":"d1"}`)

	require.Len(t, r.q.msgs, 1)
	var ev Event
	require.NoError(t, json.Unmarshal(r.q.msgs[0].Body, &ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "main", ev.StationID)
	assert.Equal(t, "dev-a", ev.DeviceID)
	assert.Equal(t, StatusAccepted, ev.Status)
	assert.Equal(t, "Ann", ev.Name)
	assert.Equal(t, "d1", ev.RecordDevice)
	assert.Equal(t, SourceScan, ev.Source)
	assert.True(t, ev.At.Equal(r.now), "event timestamp should be the scan time")
}

func TestClearRequiresUnlock(t *testing.T) {
	r := newRig(t, ledger.ByName)
	ctx := context.Background()

	assert.ErrorIs(t, r.eng.Clear(ctx, r.st), ErrLocked)

	require.NoError(t, r.eng.Unlock(r.st, "2468"))
	require.NoError(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan))
	r.eng.HandleScan(ctx, r.st, "dev-a", `{"name":"Ann"}`)
	require.Len(t, r.st.Roster(), 1)

	require.NoError(t, r.eng.Clear(ctx, r.st))
	assert.Empty(t, r.st.Roster())

	// Clearing does not change mode or lock.
	state := r.st.State()
	assert.True(t, state.Unlocked)
	assert.Equal(t, "organizer-scan", state.Mode)
}

func TestResetRestoresRestrictiveState(t *testing.T) {
	r := newRig(t, ledger.ByName)
	ctx := context.Background()

	assert.ErrorIs(t, r.eng.Reset(ctx, r.st), ErrLocked)

	require.NoError(t, r.eng.Unlock(r.st, "2468"))
	require.NoError(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan))
	raw := `{"name":"Ann"}`
	require.Equal(t, StatusAccepted, r.eng.HandleScan(ctx, r.st, "dev-a", raw).Status)
	require.NoError(t, r.eng.flags.Mark(ctx, "dev-b"))

	require.NoError(t, r.eng.Reset(ctx, r.st))

	state := r.st.State()
	assert.False(t, state.Unlocked)
	assert.Equal(t, "self-check-in", state.Mode)
	assert.Zero(t, state.Records)
	assert.ErrorIs(t, r.eng.SetMode(r.st, policy.ModeOrganizerScan), ErrLocked)

	// Attempt flags belong to the devices, not the station.
	assert.True(t, r.eng.flags.Attempted(ctx, "dev-b"))

	// The burst guard forgot the pre-reset scan.
	r.advance(100 * time.Millisecond)
	out := r.eng.HandleScan(ctx, r.st, "dev-c", raw)
	assert.Equal(t, StatusSelfConfirmed, out.Status)
}

func TestDefaultDebounceApplied(t *testing.T) {
	eng := New(policy.NewAttemptFlags(kvstore.NewMemory()), "", 0, nil)
	assert.Equal(t, DefaultDebounce, eng.debounce)
	assert.Equal(t, DefaultDebounce, New(nil, "", -time.Second, nil).debounce)
}

func TestUnlockWithoutConfiguredPIN(t *testing.T) {
	kv := kvstore.NewMemory()
	eng := New(policy.NewAttemptFlags(kv), "", 0, nil)
	st, err := NewManager(kv, ledger.ByName).Station(context.Background(), "main")
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Unlock(st, ""), policy.ErrInvalidPIN)
	assert.ErrorIs(t, eng.Unlock(st, "guess"), policy.ErrInvalidPIN)
}

func TestManagerStationLifecycle(t *testing.T) {
	kv := kvstore.NewMemory()
	mgr := NewManager(kv, ledger.ByDevice)
	ctx := context.Background()

	st1, err := mgr.Station(ctx, "front")
	require.NoError(t, err)
	st2, err := mgr.Station(ctx, "front")
	require.NoError(t, err)
	assert.Same(t, st1, st2)

	// First touch pins the dedup choice for later restarts.
	raw, ok, err := kv.Get(ctx, "station:front:config")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"dedup_key":"device"}`, raw)

	_, err = mgr.Station(ctx, "bad/id")
	assert.ErrorIs(t, err, ErrBadStationID)
	_, err = mgr.Station(ctx, "")
	assert.ErrorIs(t, err, ErrBadStationID)
}

func TestManagerHonorsPersistedConfig(t *testing.T) {
	kv := kvstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "station:gate:config", `{"dedup_key":"device"}`))

	st, err := NewManager(kv, ledger.ByName).Station(ctx, "gate")
	require.NoError(t, err)
	assert.Equal(t, "device", st.State().DedupKey)
}

func TestPublishFailureDoesNotBlockOutcome(t *testing.T) {
	kv := kvstore.NewMemory()
	eng := New(policy.NewAttemptFlags(kv), "2468", 0, failingQueue{})
	st, err := NewManager(kv, ledger.ByName).Station(context.Background(), "main")
	require.NoError(t, err)

	out := eng.HandleScan(context.Background(), st, "dev-a", `{"name":"Ann"}`)
	assert.Equal(t, StatusSelfConfirmed, out.Status)
}

type failingQueue struct{}

func (failingQueue) Publish(context.Context, queue.Message) error {
	return errors.New("queue down")
}

func (failingQueue) Consume(context.Context) (<-chan queue.Message, error) {
	return nil, errors.New("queue down")
}
