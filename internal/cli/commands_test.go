package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/auth"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/service"
	"github.com/mmynk/fieldsync/internal/storage/serverdb"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type result struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *ResponseError  `json:"error"`
}

// device runs commands against one device database.
type device struct {
	t  *testing.T
	db string
}

func newDevice(t *testing.T) device {
	t.Helper()
	return device{t: t, db: filepath.Join(t.TempDir(), "device.db")}
}

func (d device) run(args ...string) (result, error) {
	d.t.Helper()
	out, err := execute(d.t, append(args, "--format", "json", "--db", d.db)...)
	var res result
	require.NoError(d.t, json.Unmarshal([]byte(out), &res), "output: %s", out)
	return res, err
}

// ok runs a command that must succeed and decodes its data into T.
func ok[T any](d device, args ...string) T {
	d.t.Helper()
	res, err := d.run(args...)
	require.NoError(d.t, err)
	require.Equal(d.t, "ok", res.Status)
	var v T
	require.NoError(d.t, json.Unmarshal(res.Data, &v))
	return v
}

// fails runs a command that must be rejected and returns the error code.
func fails(d device, args ...string) (string, int) {
	d.t.Helper()
	res, err := d.run(args...)
	require.Error(d.t, err)
	require.Equal(d.t, "error", res.Status)
	require.NotNil(d.t, res.Error)
	return res.Error.Code, GetExitCode(err)
}

func offline(t *testing.T) {
	t.Setenv("FIELDSYNC_DEVICE_ID", "")
	t.Setenv("FIELDSYNC_DEVICE_SECRET", "")
}

func TestCycleSettlementWorkflow(t *testing.T) {
	offline(t)
	d := newDevice(t)

	first := ok[cycleView](d, "cycle", "create", "--route", "route-1", "--year", "2025")
	assert.Equal(t, "PLANNED", first.Status)
	assert.Equal(t, 1, first.SequenceNumber)

	started := ok[cycleView](d, "cycle", "start", first.ID)
	assert.Equal(t, "IN_PROGRESS", started.Status)
	assert.NotEmpty(t, started.StartedAt)

	second := ok[cycleView](d, "cycle", "create", "--route", "route-1", "--year", "2025")
	assert.Equal(t, 2, second.SequenceNumber)

	code, exit := fails(d, "cycle", "start", second.ID)
	assert.Equal(t, string(apperr.CodeConflict), code)
	assert.Equal(t, ExitFailure, exit)

	active := ok[cycleView](d, "cycle", "active", "--route", "route-1")
	assert.Equal(t, first.ID, active.ID)

	client := ok[clientView](d, "client", "add", "--route", "route-1", "--name", "João Silva")
	assert.Equal(t, "0.00", client.Debt)

	s1 := ok[settlementView](d, "settle", client.ID, "--cycle", first.ID,
		"--gross", "100", "--discount", "10", "--received", "40", "--payment", "cash=25,pix=15")
	assert.Equal(t, "0.00", s1.PreviousDebt)
	assert.Equal(t, "50.00", s1.CurrentDebt)
	assert.Equal(t, map[string]string{"cash": "25.00", "pix": "15.00"}, s1.PaymentBreakdown)

	s2 := ok[settlementView](d, "settle", client.ID, "--cycle", first.ID, "--received", "20")
	assert.Equal(t, "50.00", s2.PreviousDebt)
	assert.Equal(t, "30.00", s2.CurrentDebt)

	debt := ok[debtView](d, "client", "debt", client.ID)
	assert.Equal(t, "30.00", debt.Debt)
	assert.Equal(t, "30.00", debt.Client.Debt)
	require.Len(t, debt.History, 2)
	assert.Equal(t, s1.ID, debt.History[0].ID)

	verify := ok[verifyView](d, "client", "verify")
	assert.Empty(t, verify.Drift)

	pending := ok[[]operationView](d, "outbox", "list")
	var settlementCreates int
	for _, op := range pending {
		assert.Equal(t, "PENDING", op.Status)
		if op.EntityType == "settlement" && op.Kind == "CREATE" {
			settlementCreates++
		}
	}
	assert.Equal(t, 2, settlementCreates)

	status := ok[statusView](d, "status")
	assert.False(t, status.Configured)
	assert.Equal(t, len(pending), status.Pending)

	finalized := ok[cycleView](d, "cycle", "finalize", first.ID)
	assert.Equal(t, "FINALIZED", finalized.Status)
	require.NotNil(t, finalized.Totals)
	assert.Equal(t, 1, finalized.Totals.SettledClients)
	assert.Equal(t, "60.00", finalized.Totals.TotalSettled)
	assert.Equal(t, "30.00", finalized.Totals.TotalDebt)

	code, exit = fails(d, "settle", client.ID, "--cycle", first.ID, "--received", "5")
	assert.Equal(t, string(apperr.CodeImmutableCycle), code)
	assert.Equal(t, ExitFailure, exit)

	code, _ = fails(d, "settle", "undo", s2.ID)
	assert.Equal(t, string(apperr.CodeImmutableCycle), code)

	code, _ = fails(d, "cycle", "finalize", first.ID)
	assert.Equal(t, string(apperr.CodeInvalidTransition), code)

	debt = ok[debtView](d, "client", "debt", client.ID)
	assert.Equal(t, "30.00", debt.Debt)
}

func TestSettleUndo(t *testing.T) {
	offline(t)
	d := newDevice(t)

	cycle := ok[cycleView](d, "cycle", "create", "--route", "route-1", "--year", "2025")
	ok[cycleView](d, "cycle", "start", cycle.ID)
	client := ok[clientView](d, "client", "add", "--route", "route-1", "--name", "Maria")

	first := ok[settlementView](d, "settle", client.ID, "--cycle", cycle.ID, "--gross", "80")
	latest := ok[settlementView](d, "settle", client.ID, "--cycle", cycle.ID, "--received", "30")

	code, _ := fails(d, "settle", "undo", first.ID)
	assert.Equal(t, string(apperr.CodeValidation), code)

	ok[messageView](d, "settle", "undo", latest.ID)
	debt := ok[debtView](d, "client", "debt", client.ID)
	assert.Equal(t, "80.00", debt.Debt)
	assert.Len(t, debt.History, 1)
}

func TestInvalidAmountIsRejected(t *testing.T) {
	offline(t)
	d := newDevice(t)

	code, exit := fails(d, "settle", "client-1", "--cycle", "cycle-1", "--gross", "ten")
	assert.Equal(t, string(apperr.CodeValidation), code)
	assert.Equal(t, ExitFailure, exit)
}

func TestExpenseCommands(t *testing.T) {
	offline(t)
	d := newDevice(t)

	cycle := ok[cycleView](d, "cycle", "create", "--route", "route-1", "--year", "2025")
	ok[cycleView](d, "cycle", "start", cycle.ID)

	e := ok[expenseView](d, "expense", "add", "--cycle", cycle.ID, "--amount", "12.5", "--category", "fuel")
	assert.Equal(t, "12.50", e.Amount)
	assert.Equal(t, "route-1", e.RouteID)
	assert.Empty(t, e.PhotoRef)

	list := ok[[]expenseView](d, "expense", "list", "--cycle", cycle.ID)
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].ID)

	code, _ := fails(d, "expense", "add", "--cycle", cycle.ID, "--amount", "-3")
	assert.Equal(t, string(apperr.CodeValidation), code)

	code, _ = fails(d, "expense", "list")
	assert.Equal(t, string(apperr.CodeValidation), code)

	ok[messageView](d, "expense", "delete", e.ID)
	list = ok[[]expenseView](d, "expense", "list", "--cycle", cycle.ID)
	assert.Empty(t, list)
}

func TestOutboxCommands(t *testing.T) {
	offline(t)
	d := newDevice(t)

	ok[clientView](d, "client", "add", "--route", "route-1", "--name", "Ana")

	failed := ok[[]operationView](d, "outbox", "list", "--status", "failed")
	assert.Empty(t, failed)

	requeued := ok[countView](d, "outbox", "requeue", "--all")
	assert.Equal(t, int64(0), requeued.Count)

	purged := ok[countView](d, "outbox", "gc")
	assert.Equal(t, int64(0), purged.Count)

	swept := ok[map[string]int](d, "outbox", "sweep")
	for entityType, n := range swept {
		assert.Zero(t, n, entityType)
	}

	_, err := d.run("outbox", "list", "--status", "lost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTextOutput(t *testing.T) {
	offline(t)
	db := filepath.Join(t.TempDir(), "device.db")

	_, err := execute(t, "cycle", "create", "--route", "route-1", "--year", "2025", "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "cycle", "list", "--route", "route-1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "PERIOD")
	assert.Contains(t, out, "2025/1")
	assert.Contains(t, out, "PLANNED")
}

func TestRemoteCommandsRequireConfiguration(t *testing.T) {
	offline(t)
	d := newDevice(t)

	for _, args := range [][]string{{"sync"}, {"register"}, {"run"}} {
		_, err := d.run(args...)
		require.Error(t, err, "%v", args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), "%v", args)
	}
}

const enrollment = "enroll-me"

// newBackend starts the reference backend and returns its base URL.
func newBackend(t *testing.T) string {
	t.Helper()

	store, err := serverdb.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)

	jwtManager := auth.NewJWTManager("test-signing-key", time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server := httptest.NewUnstartedServer(nil)
	svc := service.NewSyncService(store, auth.NewSecretAuthenticator(store), jwtManager, clock.System{}, service.Options{
		EnrollmentToken: enrollment,
		PublicURL:       "http://" + server.Listener.Addr().String(),
	}, logger)
	server.Config.Handler = service.Routes(svc, store, jwtManager, prometheus.NewRegistry(), logger)
	server.Start()

	t.Cleanup(func() {
		server.Close()
		store.Close()
	})
	return server.URL
}

func useDevice(t *testing.T, backendURL, deviceID string) {
	t.Setenv("FIELDSYNC_BACKEND_URL", backendURL)
	t.Setenv("FIELDSYNC_DEVICE_ID", deviceID)
	t.Setenv("FIELDSYNC_DEVICE_SECRET", deviceID+"-secret-value")
	t.Setenv("FIELDSYNC_ENROLLMENT_TOKEN", enrollment)
}

func TestSyncWithBackend(t *testing.T) {
	backendURL := newBackend(t)

	useDevice(t, backendURL, "tablet-1")
	tablet := newDevice(t)
	ok[messageView](tablet, "register")

	cycle := ok[cycleView](tablet, "cycle", "create", "--route", "route-1", "--year", "2025")
	ok[cycleView](tablet, "cycle", "start", cycle.ID)
	client := ok[clientView](tablet, "client", "add", "--route", "route-1", "--name", "João Silva")
	ok[settlementView](tablet, "settle", client.ID, "--cycle", cycle.ID, "--gross", "75")

	pushed := ok[syncView](tablet, "sync")
	assert.Positive(t, pushed.Delivered)
	assert.Zero(t, pushed.Parked)
	assert.Zero(t, pushed.Retried)

	status := ok[statusView](tablet, "status")
	assert.True(t, status.Configured)
	assert.Zero(t, status.Pending)
	assert.Zero(t, status.Failed)

	useDevice(t, backendURL, "phone-1")
	phone := newDevice(t)
	ok[messageView](phone, "register")

	pulled := ok[syncView](phone, "sync")
	assert.Equal(t, 1, pulled.Pulled["client"])
	assert.Equal(t, 1, pulled.Pulled["settlement"])

	roster := ok[[]clientView](phone, "client", "list", "--route", "route-1")
	require.Len(t, roster, 1)
	assert.Equal(t, client.ID, roster[0].ID)
	assert.Equal(t, "75.00", roster[0].Debt)
}

func TestRegisterRejectsWrongEnrollmentToken(t *testing.T) {
	backendURL := newBackend(t)
	useDevice(t, backendURL, "tablet-1")
	d := newDevice(t)

	_, err := d.run("register", "--enrollment-token", "guess")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
