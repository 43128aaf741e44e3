package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI scripts per-token outcomes. A token with no script succeeds on
// the first call; scripted errors are consumed in order with nil meaning
// success.
type fakeAPI struct {
	script map[string][]*RemoteError
	subs   map[string]*Subscription

	getCalls    []string
	cancelCalls []string
	revokeCalls []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		script: make(map[string][]*RemoteError),
		subs:   make(map[string]*Subscription),
	}
}

func (f *fakeAPI) next(token string) error {
	outcomes := f.script[token]
	if len(outcomes) == 0 {
		return nil
	}
	out := outcomes[0]
	f.script[token] = outcomes[1:]
	if out == nil {
		return nil
	}
	return out
}

func (f *fakeAPI) GetSubscription(_ context.Context, _, token string) (*Subscription, error) {
	f.getCalls = append(f.getCalls, token)
	if err := f.next(token); err != nil {
		return nil, err
	}
	return f.subs[token], nil
}

func (f *fakeAPI) CancelSubscription(_ context.Context, _, token string) error {
	f.cancelCalls = append(f.cancelCalls, token)
	return f.next(token)
}

func (f *fakeAPI) RevokeSubscription(_ context.Context, _, token string) error {
	f.revokeCalls = append(f.revokeCalls, token)
	return f.next(token)
}

func (f *fakeAPI) totalCalls() int {
	return len(f.getCalls) + len(f.cancelCalls) + len(f.revokeCalls)
}

// capturingPartitioner records validate side outputs.
type capturingPartitioner struct {
	eligible   []Record
	ineligible []Record
}

func (p *capturingPartitioner) WriteEligible(rec Record, _ *Subscription) error {
	p.eligible = append(p.eligible, rec)
	return nil
}

func (p *capturingPartitioner) WriteIneligible(rec Record, _ *Subscription, _ Result) error {
	p.ineligible = append(p.ineligible, rec)
	return nil
}

func newTestRunner(t *testing.T, api API, cp *Checkpoint, buf *bytes.Buffer) *Runner {
	t.Helper()
	retrier := NewRetrier(3, time.Millisecond, 0).WithSleep(func(time.Duration) {})
	return NewRunner(api, retrier, NewThrottle(0), cp, NewAuditLog(buf), zerolog.Nop())
}

func memCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	cp, err := OpenCheckpoint("", "")
	require.NoError(t, err)
	return cp
}

func auditEntries(t *testing.T, buf *bytes.Buffer) []AuditEntry {
	t.Helper()
	var entries []AuditEntry
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func records(tokens ...string) []Record {
	recs := make([]Record, len(tokens))
	for i, tok := range tokens {
		recs[i] = Record{Token: tok, Package: "com.example.app", Row: i + 1}
	}
	return recs
}

func TestRunner_DryRun(t *testing.T) {
	api := newFakeAPI()
	var buf bytes.Buffer
	// An hour-long spacing proves dry runs bypass the rate limiter: the
	// run would hang on the second record otherwise.
	retrier := NewRetrier(3, 250*time.Millisecond, 250*time.Millisecond)
	r := NewRunner(api, retrier, NewThrottle(time.Hour), memCheckpoint(t), NewAuditLog(&buf), zerolog.Nop())

	summary, err := r.Run(context.Background(),
		records("A", "B", "C", "D", "E"),
		RunConfig{Mode: ModeCancel, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 5, summary.Counts[StatusDryRun])
	assert.Equal(t, 0, api.totalCalls(), "dry run must issue zero remote calls")

	entries := auditEntries(t, &buf)
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.Equal(t, StatusDryRun, e.Status)
		assert.Equal(t, 0, e.Attempts)
	}
}

func TestRunner_CheckpointResume(t *testing.T) {
	t.Run("SucceededTokenIsSkipped", func(t *testing.T) {
		dir := t.TempDir()
		okPath := filepath.Join(dir, "ok.txt")
		require.NoError(t, os.WriteFile(okPath, []byte("A\n"), 0o600))
		cp, err := OpenCheckpoint(okPath, "")
		require.NoError(t, err)
		defer cp.Close()

		api := newFakeAPI()
		var buf bytes.Buffer
		r := newTestRunner(t, api, cp, &buf)

		summary, err := r.Run(context.Background(), records("A", "B", "C"),
			RunConfig{Mode: ModeCancel})
		require.NoError(t, err)

		assert.Equal(t, 2, summary.Processed)
		assert.Equal(t, 1, summary.Skipped)
		assert.Equal(t, []string{"B", "C"}, api.cancelCalls, "no remote call for the skipped token")

		entries := auditEntries(t, &buf)
		require.Len(t, entries, 2, "skipped records produce no audit entry")
		assert.Equal(t, "B", entries[0].Token)
		assert.Equal(t, "C", entries[1].Token)
	})

	t.Run("FailedTokenIsNotSkipped", func(t *testing.T) {
		dir := t.TempDir()
		badPath := filepath.Join(dir, "bad.txt")
		require.NoError(t, os.WriteFile(badPath, []byte("A\n"), 0o600))
		cp, err := OpenCheckpoint("", badPath)
		require.NoError(t, err)
		defer cp.Close()

		api := newFakeAPI()
		var buf bytes.Buffer
		r := newTestRunner(t, api, cp, &buf)

		summary, err := r.Run(context.Background(), records("A"),
			RunConfig{Mode: ModeCancel})
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Processed)
		assert.Equal(t, 0, summary.Skipped)
		assert.Equal(t, []string{"A"}, api.cancelCalls)
	})

	t.Run("IdempotentRerun", func(t *testing.T) {
		dir := t.TempDir()
		okPath := filepath.Join(dir, "ok.txt")

		run := func() (*Summary, int) {
			cp, err := OpenCheckpoint(okPath, "")
			require.NoError(t, err)
			defer cp.Close()

			api := newFakeAPI()
			var buf bytes.Buffer
			r := newTestRunner(t, api, cp, &buf)
			summary, err := r.Run(context.Background(), records("A", "B", "C"),
				RunConfig{Mode: ModeCancel})
			require.NoError(t, err)
			return summary, api.totalCalls()
		}

		first, firstCalls := run()
		assert.Equal(t, 3, first.Processed)
		assert.Equal(t, 3, firstCalls)

		second, secondCalls := run()
		assert.Equal(t, 0, second.Processed)
		assert.Equal(t, 3, second.Skipped)
		assert.Equal(t, 0, secondCalls, "previously-succeeded tokens trigger zero remote calls")
	})
}

func TestRunner_TransientRetrySucceeds(t *testing.T) {
	dir := t.TempDir()
	okPath := filepath.Join(dir, "ok.txt")
	cp, err := OpenCheckpoint(okPath, "")
	require.NoError(t, err)
	defer cp.Close()

	api := newFakeAPI()
	api.script["B"] = []*RemoteError{
		{HTTPStatus: 429, Message: "quota"},
		{HTTPStatus: 503, Message: "unavailable"},
		nil,
	}

	var buf bytes.Buffer
	r := newTestRunner(t, api, cp, &buf)
	summary, err := r.Run(context.Background(), records("B"), RunConfig{Mode: ModeCancel})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Counts[StatusSuccess])

	entries := auditEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSuccess, entries[0].Status)
	assert.Equal(t, 3, entries[0].Attempts)

	ok, err := os.ReadFile(okPath)
	require.NoError(t, err)
	assert.Equal(t, "B\n", string(ok))
}

func TestRunner_CheckpointRouting(t *testing.T) {
	dir := t.TempDir()
	okPath := filepath.Join(dir, "ok.txt")
	badPath := filepath.Join(dir, "bad.txt")
	cp, err := OpenCheckpoint(okPath, badPath)
	require.NoError(t, err)
	defer cp.Close()

	api := newFakeAPI()
	api.script["done"] = []*RemoteError{
		{HTTPStatus: 400, ErrorType: "already_cancelled", Message: "subscription is already cancelled"},
	}
	api.script["gone"] = []*RemoteError{
		{HTTPStatus: 404, ErrorType: "not_found", Message: "not found"},
	}
	api.script["flaky"] = []*RemoteError{
		{HTTPStatus: 503}, {HTTPStatus: 503}, {HTTPStatus: 503},
	}

	var buf bytes.Buffer
	r := newTestRunner(t, api, cp, &buf)
	summary, err := r.Run(context.Background(),
		records("fine", "done", "gone", "flaky"),
		RunConfig{Mode: ModeCancel})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 1, summary.Counts[StatusSuccess])
	assert.Equal(t, 1, summary.Counts[StatusAlreadyDone])
	assert.Equal(t, 1, summary.Counts[StatusPermanentFailure])
	assert.Equal(t, 1, summary.Counts[StatusTransientFailure])

	// Success and already-done resume as succeeded; failures are recorded
	// for review but will be reprocessed if rerun.
	ok, err := os.ReadFile(okPath)
	require.NoError(t, err)
	assert.Equal(t, "fine\ndone\n", string(ok))
	bad, err := os.ReadFile(badPath)
	require.NoError(t, err)
	assert.Equal(t, "gone\nflaky\n", string(bad))
}

func TestRunner_RevokeGuard(t *testing.T) {
	t.Run("AbortsBeforeAnyCall", func(t *testing.T) {
		api := newFakeAPI()
		var buf bytes.Buffer
		r := newTestRunner(t, api, memCheckpoint(t), &buf)

		recs := records("A", "B")
		recs[0].SubscriptionState = "SUBSCRIPTION_STATE_ACTIVE"

		_, err := r.Run(context.Background(), recs, RunConfig{Mode: ModeRevoke})
		require.ErrorIs(t, err, ErrUnvalidatedRecords)
		assert.Equal(t, 0, api.totalCalls())
		assert.Empty(t, auditEntries(t, &buf), "guard fires before any audit entry")
	})

	t.Run("ValidatedBatchRuns", func(t *testing.T) {
		api := newFakeAPI()
		var buf bytes.Buffer
		r := newTestRunner(t, api, memCheckpoint(t), &buf)

		recs := records("A", "B")
		for i := range recs {
			recs[i].SubscriptionState = "SUBSCRIPTION_STATE_ACTIVE"
		}

		summary, err := r.Run(context.Background(), recs, RunConfig{Mode: ModeRevoke})
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Counts[StatusSuccess])
		assert.Equal(t, []string{"A", "B"}, api.revokeCalls)
	})

	t.Run("SkipFlagDisablesGuard", func(t *testing.T) {
		api := newFakeAPI()
		var buf bytes.Buffer
		r := newTestRunner(t, api, memCheckpoint(t), &buf)

		summary, err := r.Run(context.Background(), records("A"),
			RunConfig{Mode: ModeRevoke, SkipRevokeGuard: true})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Counts[StatusSuccess])
	})
}

func TestRunner_Validate(t *testing.T) {
	api := newFakeAPI()
	renew := true
	api.subs["active"] = &Subscription{
		State:            "SUBSCRIPTION_STATE_ACTIVE",
		ExpiryTime:       "2026-09-01T00:00:00Z",
		AutoRenewEnabled: &renew,
		LatestOrderID:    "GPA.1234",
	}
	api.subs["expired"] = &Subscription{State: "SUBSCRIPTION_STATE_EXPIRED"}
	api.script["missing"] = []*RemoteError{
		{HTTPStatus: 404, ErrorType: "not_found", Message: "not found"},
	}

	var buf bytes.Buffer
	part := &capturingPartitioner{}
	r := newTestRunner(t, api, memCheckpoint(t), &buf).WithPartitioner(part)

	summary, err := r.Run(context.Background(),
		records("active", "expired", "missing"),
		RunConfig{Mode: ModeValidate})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Counts[StatusSuccess])
	assert.Equal(t, 1, summary.Counts[StatusPermanentFailure])

	require.Len(t, part.eligible, 1)
	assert.Equal(t, "active", part.eligible[0].Token)
	require.Len(t, part.ineligible, 2)

	entries := auditEntries(t, &buf)
	require.Len(t, entries, 3)
	assert.Equal(t, "SUBSCRIPTION_STATE_ACTIVE", entries[0].SubscriptionState)
	require.NotNil(t, entries[0].EligibleForRevoke)
	assert.True(t, *entries[0].EligibleForRevoke)
	require.NotNil(t, entries[1].EligibleForRevoke)
	assert.False(t, *entries[1].EligibleForRevoke)
}

func TestRunner_FailuresNeverAbortBatch(t *testing.T) {
	api := newFakeAPI()
	api.script["bad1"] = []*RemoteError{{HTTPStatus: 403, ErrorType: "permission"}}
	api.script["bad2"] = []*RemoteError{{HTTPStatus: 503}, {HTTPStatus: 503}, {HTTPStatus: 503}}

	var buf bytes.Buffer
	r := newTestRunner(t, api, memCheckpoint(t), &buf)
	summary, err := r.Run(context.Background(),
		records("bad1", "ok1", "bad2", "ok2"),
		RunConfig{Mode: ModeCancel})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 2, summary.Counts[StatusSuccess])
	assert.Len(t, auditEntries(t, &buf), 4, "every non-skipped record gets exactly one audit entry")
}

func TestRunner_ProgressCallback(t *testing.T) {
	api := newFakeAPI()
	var buf bytes.Buffer
	var seen []Progress
	r := newTestRunner(t, api, memCheckpoint(t), &buf).
		WithProgress(func(p Progress) { seen = append(seen, p) })

	_, err := r.Run(context.Background(), records("A", "B", "C"),
		RunConfig{Mode: ModeCancel})
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, 3, seen[2].Completed)
	assert.Equal(t, 3, seen[2].Total)
	assert.InEpsilon(t, 100.0, seen[2].PercentComplete(), 0.001)
}

func TestRunner_ContextCancellation(t *testing.T) {
	api := newFakeAPI()
	var buf bytes.Buffer
	r := newTestRunner(t, api, memCheckpoint(t), &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := r.Run(ctx, records("A", "B"), RunConfig{Mode: ModeCancel})
	require.Error(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, api.totalCalls())
}
