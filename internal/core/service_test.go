package core_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/config"
	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/JonMunkholm/serialcheck/internal/notify"
	"github.com/JonMunkholm/serialcheck/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const width = 10

var errDown = errors.New("connection refused")

// faultyStore wraps the memory store and fails selected operations.
type faultyStore struct {
	*memory.Store

	failLookups  atomic.Bool
	failAudit    atomic.Bool
	failInsertAt int64 // fail the Nth range insert (1-based), 0 = never
	onInsert     func(n int64)

	inserts atomic.Int64
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memory.New()}
}

func (f *faultyStore) IsBlacklisted(ctx context.Context, code string) (bool, error) {
	if f.failLookups.Load() {
		return false, core.Unavailable("is blacklisted", errDown)
	}
	return f.Store.IsBlacklisted(ctx, code)
}

func (f *faultyStore) CountRangesContaining(ctx context.Context, code string) (int, error) {
	if f.failLookups.Load() {
		return 0, core.Unavailable("count ranges", errDown)
	}
	return f.Store.CountRangesContaining(ctx, code)
}

func (f *faultyStore) InsertAudit(ctx context.Context, rec core.AuditRecord) error {
	if f.failAudit.Load() {
		return core.Unavailable("insert audit", errDown)
	}
	return f.Store.InsertAudit(ctx, rec)
}

func (f *faultyStore) BeginImport(ctx context.Context) (core.ImportTx, error) {
	tx, err := f.Store.BeginImport(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{ImportTx: tx, store: f}, nil
}

type faultyTx struct {
	core.ImportTx
	store *faultyStore
}

func (t *faultyTx) InsertRange(ctx context.Context, e core.RangeEntry) error {
	n := t.store.inserts.Add(1)
	if t.store.onInsert != nil {
		t.store.onInsert(n)
	}
	if t.store.failInsertAt > 0 && n == t.store.failInsertAt {
		return errDown
	}
	return t.ImportTx.InsertRange(ctx, e)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, to, message string) error {
	args := m.Called(ctx, to, message)
	return args.Error(0)
}

func newService(t *testing.T, store core.Store, n core.Notifier) *core.Service {
	t.Helper()
	return core.NewService(store, n, core.Options{FixedSize: width})
}

func rangeRow(row int, start, end string) core.RangeRow {
	return core.RangeRow{Row: row, Line: row + 1, Reference: fmt.Sprintf("REF-%d", row), StartRaw: start, EndRaw: end}
}

func blacklistRow(row int, code string) core.BlacklistRow {
	return core.BlacklistRow{Row: row, Line: row + 1, CodeRaw: code}
}

func mustImport(t *testing.T, svc *core.Service, ds core.Dataset) *core.ImportResult {
	t.Helper()
	res, err := svc.ImportDataset(context.Background(), ds)
	require.NoError(t, err)
	require.True(t, res.Committed)
	return res
}

func TestImportDataset_Counts(t *testing.T) {
	svc := newService(t, memory.New(), nil)

	res := mustImport(t, svc, core.Dataset{
		Ranges: []core.RangeRow{
			rangeRow(1, "AAA1", "AAA100"),
			rangeRow(2, "BBB1", "BBB100"),
		},
		Blacklist: []core.BlacklistRow{blacklistRow(1, "AAA50")},
	})

	assert.Equal(t, 2, res.RangeCount)
	assert.Equal(t, 1, res.BlacklistCount)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.ImportID)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.DatasetStats{Ranges: 2, Blacklist: 1}, stats)
}

func TestImportDataset_BadRowIsolated(t *testing.T) {
	svc := newService(t, memory.New(), nil)

	res := mustImport(t, svc, core.Dataset{
		Ranges: []core.RangeRow{
			rangeRow(1, "A1", "A9"),
			rangeRow(2, "B1", "B9"),
			rangeRow(3, "ABCDEFGHIJK1", "ABCDEFGHIJK9"), // overflows width
			rangeRow(4, "C1", "C9"),
			rangeRow(5, "D1", "D9"),
		},
	})

	assert.Equal(t, 4, res.RangeCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Row)
	assert.Equal(t, core.SheetRanges, res.Errors[0].Sheet)
	assert.Contains(t, res.Errors[0].Cause, "malformed code")

	for _, code := range []string{"A5", "B5", "C5", "D5"} {
		v, err := svc.CheckSerial(context.Background(), code)
		require.NoError(t, err, code)
		assert.Equal(t, core.StatusSuccess, v.Status, code)
	}
}

func TestImportDataset_ReplacesPreviousDataset(t *testing.T) {
	svc := newService(t, memory.New(), nil)
	ctx := context.Background()

	mustImport(t, svc, core.Dataset{
		Ranges:    []core.RangeRow{rangeRow(1, "A1", "A9")},
		Blacklist: []core.BlacklistRow{blacklistRow(1, "A5")},
	})
	mustImport(t, svc, core.Dataset{
		Ranges: []core.RangeRow{rangeRow(1, "B1", "B9")},
	})

	v, err := svc.CheckSerial(ctx, "A3")
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotFound, v.Status)

	v, err = svc.CheckSerial(ctx, "A5")
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotFound, v.Status, "old blacklist must be gone")

	v, err = svc.CheckSerial(ctx, "B3")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, v.Status)
}

func TestImportDataset_MergesLoaderRejections(t *testing.T) {
	svc := newService(t, memory.New(), nil)

	res := mustImport(t, svc, core.Dataset{
		Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")},
		Rejected: []core.RowError{
			{Row: 2, Line: 3, Sheet: core.SheetRanges, Cause: "unrecognized date"},
		},
	})

	assert.Equal(t, 1, res.RangeCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "unrecognized date", res.Errors[0].Cause)
	assert.Equal(t, 1, res.TotalErrors)
}

func TestImportDataset_StartAfterEndRejected(t *testing.T) {
	svc := newService(t, memory.New(), nil)

	res := mustImport(t, svc, core.Dataset{
		Ranges: []core.RangeRow{rangeRow(1, "A9", "A1"), rangeRow(2, "B1", "B9")},
	})

	assert.Equal(t, 1, res.RangeCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Row)
}

func TestImportDataset_DuplicateBlacklistRowReported(t *testing.T) {
	svc := newService(t, memory.New(), nil)

	res := mustImport(t, svc, core.Dataset{
		Blacklist: []core.BlacklistRow{
			blacklistRow(1, "x-1"),
			blacklistRow(2, "X1"), // same code after normalization
		},
	})

	assert.Equal(t, 1, res.BlacklistCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].Row)
	assert.Equal(t, core.SheetBlacklist, res.Errors[0].Sheet)
}

func TestImportDataset_ErrorCap(t *testing.T) {
	svc := core.NewService(memory.New(), nil, core.Options{FixedSize: width, MaxRowErrors: 2})

	var rows []core.RangeRow
	for i := 1; i <= 5; i++ {
		rows = append(rows, rangeRow(i, "TOOLONGCODE1", "TOOLONGCODE2"))
	}
	rows = append(rows, rangeRow(6, "A1", "A9"))

	res, err := svc.ImportDataset(context.Background(), core.Dataset{Ranges: rows})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RangeCount)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, 5, res.TotalErrors)
	assert.True(t, res.ErrorsTruncated)
}

func TestImportDataset_StoreOutageKeepsOldDataset(t *testing.T) {
	store := newFaultyStore()
	svc := newService(t, store, nil)
	ctx := context.Background()

	mustImport(t, svc, core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")}})

	store.inserts.Store(0)
	store.failInsertAt = 2
	res, err := svc.ImportDataset(ctx, core.Dataset{
		Ranges: []core.RangeRow{rangeRow(1, "B1", "B9"), rangeRow(2, "C1", "C9"), rangeRow(3, "D1", "D9")},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))
	assert.False(t, res.Committed)
	assert.Zero(t, res.RangeCount)
	assert.NotEmpty(t, res.Error)

	v, err := svc.CheckSerial(ctx, "A3")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, v.Status, "previous dataset stays active")

	v, err = svc.CheckSerial(ctx, "B3")
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotFound, v.Status)
}

func TestImportDataset_Cancellation(t *testing.T) {
	store := newFaultyStore()
	svc := newService(t, store, nil)

	mustImport(t, svc, core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.inserts.Store(0)
	store.onInsert = func(n int64) {
		if n == 2 {
			cancel()
		}
	}

	res, err := svc.ImportDataset(ctx, core.Dataset{
		Ranges: []core.RangeRow{rangeRow(1, "B1", "B9"), rangeRow(2, "C1", "C9"), rangeRow(3, "D1", "D9")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrImportCancelled))
	assert.False(t, res.Committed)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ranges)

	// The import slot and the store lock were released.
	store.onInsert = nil
	mustImport(t, svc, core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "E1", "E9")}})
}

func TestImportDataset_SecondImportRejectedWhileBusy(t *testing.T) {
	store := newFaultyStore()
	svc := core.NewService(store, nil, core.Options{FixedSize: width, ImportWaitTime: 20 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	store.onInsert = func(n int64) {
		if n == 1 {
			close(started)
			<-release
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.ImportDataset(context.Background(), core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")}})
		done <- err
	}()

	<-started
	assert.True(t, svc.ImportRunning())

	res, err := svc.ImportDataset(context.Background(), core.Dataset{})
	assert.True(t, errors.Is(err, core.ErrImportInProgress))
	assert.False(t, res.Committed)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, svc.ImportRunning())
}

func TestCheckSerial_EndToEnd(t *testing.T) {
	svc := core.NewService(memory.New(), nil, core.Options{})
	ctx := context.Background()

	mustImport(t, svc, core.Dataset{
		Ranges:    []core.RangeRow{rangeRow(1, "AAA0001", "AAA0100")},
		Blacklist: []core.BlacklistRow{blacklistRow(1, "aaa-0066")},
	})

	tests := []struct {
		raw  string
		want core.Verdict
	}{
		{"aaa 0050", core.Verdict{Text: core.VerdictValid, Status: core.StatusSuccess, Matches: 1}},
		{"AAA-۰۰۵۰", core.Verdict{Text: core.VerdictValid, Status: core.StatusSuccess, Matches: 1}},
		{"AAA0066", core.Verdict{Text: core.VerdictInvalid, Status: core.StatusFailure}},
		{"AAA0101", core.Verdict{Text: core.VerdictNotFound, Status: core.StatusNotFound}},
		{"AAA0001", core.Verdict{Text: core.VerdictValid, Status: core.StatusSuccess, Matches: 1}},
		{"AAA0100", core.Verdict{Text: core.VerdictValid, Status: core.StatusSuccess, Matches: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := svc.CheckSerial(ctx, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Text, got.Text)
			assert.Equal(t, tt.want.Status, got.Status)
			assert.Equal(t, tt.want.Matches, got.Matches)
			assert.Len(t, got.Normalized, 30)
		})
	}
}

func TestCheckSerial_BlacklistWinsOverRange(t *testing.T) {
	svc := newService(t, memory.New(), nil)
	mustImport(t, svc, core.Dataset{
		Ranges:    []core.RangeRow{rangeRow(1, "A1", "A9")},
		Blacklist: []core.BlacklistRow{blacklistRow(1, "A5")},
	})

	v, err := svc.CheckSerial(context.Background(), "a5")
	require.NoError(t, err)
	assert.Equal(t, core.VerdictInvalid, v.Text)
	assert.Equal(t, core.StatusFailure, v.Status)
}

func TestCheckSerial_AmbiguousMatchIsValid(t *testing.T) {
	svc := newService(t, memory.New(), nil)
	mustImport(t, svc, core.Dataset{
		Ranges: []core.RangeRow{rangeRow(1, "A1", "A9"), rangeRow(2, "A5", "A20")},
	})

	v, err := svc.CheckSerial(context.Background(), "A7")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, v.Status)
	assert.Equal(t, 2, v.Matches)
}

func TestCheckSerial_MalformedSkipsStore(t *testing.T) {
	store := newFaultyStore()
	store.failLookups.Store(true)
	svc := newService(t, store, nil)

	v, err := svc.CheckSerial(context.Background(), strings.Repeat("9", width+1))
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotFound, v.Status)
	assert.Equal(t, core.VerdictNotFound, v.Text)
}

func TestCheckSerial_StoreUnavailable(t *testing.T) {
	store := newFaultyStore()
	svc := newService(t, store, nil)
	mustImport(t, svc, core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")}})

	store.failLookups.Store(true)
	v, err := svc.CheckSerial(context.Background(), "A3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))
	assert.Empty(t, v.Status, "store failure must not produce a verdict")
}

func TestCheckSerial_EmptyInput(t *testing.T) {
	svc := newService(t, memory.New(), nil)
	mustImport(t, svc, core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "0", "1")}})

	v, err := svc.CheckSerial(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0", width), v.Normalized)
	assert.Equal(t, core.StatusSuccess, v.Status)
}

func TestProcessMessage_RecordsAndNotifies(t *testing.T) {
	store := memory.New()
	n := &mockNotifier{}
	n.On("Send", mock.Anything, "+15550100", core.VerdictValid).Return(nil).Once()
	svc := newService(t, store, n)
	mustImport(t, svc, core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")}})

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	v, err := svc.ProcessMessage(context.Background(), "+15550100", "a-3", at)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictValid, v.Text)
	n.AssertExpectations(t)

	records, err := svc.RecentAudit(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "+15550100", records[0].Sender)
	assert.Equal(t, "a-3", records[0].RawMessage)
	assert.Equal(t, core.VerdictValid, records[0].ResponseText)
	assert.Equal(t, core.StatusSuccess, records[0].Status)
	assert.True(t, at.Equal(records[0].ReceivedAt))
}

func TestProcessMessage_StoreOutageSendsNothing(t *testing.T) {
	store := newFaultyStore()
	store.failLookups.Store(true)
	n := &mockNotifier{}
	svc := newService(t, store, n)

	_, err := svc.ProcessMessage(context.Background(), "+15550100", "A3", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))
	n.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)

	counts, err := svc.AuditCounts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestProcessMessage_AuditAndDeliveryFailuresAreNotFatal(t *testing.T) {
	store := newFaultyStore()
	store.failAudit.Store(true)
	n := &mockNotifier{}
	n.On("Send", mock.Anything, "+1", core.VerdictNotFound).Return(errors.New("gateway down")).Once()
	svc := newService(t, store, n)

	v, err := svc.ProcessMessage(context.Background(), "+1", "Z9", time.Now())
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotFound, v.Status)
	n.AssertExpectations(t)
}

func TestProcessMessage_AuditSurvivesCancelledRequest(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	v, err := svc.CheckSerial(ctx, "Z9")
	require.NoError(t, err)
	cancel()

	// Recording uses a context detached from the request.
	rec := core.NewAuditRecorder(store, time.Second)
	rec.Record(ctx, core.AuditRecord{Sender: "+1", RawMessage: "Z9", ResponseText: v.Text, Status: v.Status})

	counts, err := svc.AuditCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[core.StatusNotFound])
}

func TestAuditCounts_AllStatusesPresent(t *testing.T) {
	svc := newService(t, memory.New(), nil)

	counts, err := svc.AuditCounts(context.Background())
	require.NoError(t, err)
	for _, st := range core.Statuses {
		v, ok := counts[st]
		assert.True(t, ok, st)
		assert.Zero(t, v)
	}
}

func TestClampHistoryLimit(t *testing.T) {
	assert.Equal(t, core.DefaultHistoryLimit, core.ClampHistoryLimit(0))
	assert.Equal(t, core.DefaultHistoryLimit, core.ClampHistoryLimit(-3))
	assert.Equal(t, 7, core.ClampHistoryLimit(7))
	assert.Equal(t, core.MaxHistoryLimit, core.ClampHistoryLimit(10000))
}

func TestCheckSerial_ConcurrentWithImports(t *testing.T) {
	svc := newService(t, memory.New(), nil)
	ds := core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")}}
	mustImport(t, svc, ds)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, err := svc.CheckSerial(context.Background(), "A3")
				if err != nil || v.Status != core.StatusSuccess {
					t.Errorf("check during import: %+v, %v", v, err)
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		mustImport(t, svc, ds)
	}
	close(stop)
	wg.Wait()
}

func TestProcessMessage_DeliveryOutlivesCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller hangs up while the first attempt fails; the retry must
	// still go out.
	var hits atomic.Int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			cancel()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	n := notify.New(config.SMSConfig{Endpoint: gateway.URL, Timeout: time.Second, MaxRetries: 3})
	svc := core.NewService(memory.New(), n, core.Options{FixedSize: width, DeliveryTimeout: 10 * time.Second})
	mustImport(t, svc, core.Dataset{Ranges: []core.RangeRow{rangeRow(1, "A1", "A9")}})

	v, err := svc.ProcessMessage(ctx, "+98912", "A3", time.Now())
	require.NoError(t, err)
	assert.Equal(t, core.VerdictValid, v.Text)
	assert.Equal(t, int32(2), hits.Load())

	records, err := svc.RecentAudit(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessMessage_DeliveryBoundedByTimeout(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gateway.Close()

	n := notify.New(config.SMSConfig{Endpoint: gateway.URL, Timeout: time.Second, MaxRetries: 1000})
	svc := core.NewService(memory.New(), n, core.Options{FixedSize: width, DeliveryTimeout: 300 * time.Millisecond})

	start := time.Now()
	_, err := svc.ProcessMessage(context.Background(), "+1", "A3", time.Now())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
