package cli

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/fieldsync/internal/clients"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/config"
	"github.com/mmynk/fieldsync/internal/cycle"
	"github.com/mmynk/fieldsync/internal/dispatch"
	"github.com/mmynk/fieldsync/internal/expense"
	"github.com/mmynk/fieldsync/internal/ledger"
	"github.com/mmynk/fieldsync/internal/observe"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/reconcile"
	"github.com/mmynk/fieldsync/internal/remote"
	"github.com/mmynk/fieldsync/internal/storage/sqlite"
)

// app is one open device: the local store and every component wired to it.
type app struct {
	cfg      config.Device
	logger   *slog.Logger
	registry *prometheus.Registry
	clock    clock.Clock

	store    *sqlite.SQLiteStore
	outbox   *outbox.Outbox
	cycles   *cycle.Machine
	ledger   *ledger.Ledger
	clients  *clients.Service
	expenses *expense.Service
	resolver *reconcile.Resolver

	// remote, dispatcher and puller are nil until the device has a backend
	// identity configured.
	remote     *remote.Client
	dispatcher *dispatch.Dispatcher
	puller     *reconcile.Puller
}

func openApp(cfg config.Device, logger *slog.Logger) (*app, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	clk := clock.System{}
	observer := observe.Multi{observe.NewLogger(logger), observe.NewMetrics(reg)}
	ob := outbox.New(store, clk, cfg.Policy(), outbox.WithLogger(logger), outbox.WithRegisterer(reg))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		clock:    clk,
		store:    store,
		outbox:   ob,
		cycles:   cycle.New(store, ob, clk, observer),
		ledger:   ledger.New(store, ob, clk, observer),
		clients:  clients.New(store, ob, clk, observer),
		resolver: reconcile.New(store, ob, clk, observer),
	}

	// A nil *remote.Client must not reach expense.New as a non-nil Uploader.
	var uploader expense.Uploader
	if cfg.ValidateRemote() == nil {
		a.remote = remote.New(nil, remote.Config{
			BaseURL:  cfg.BackendURL,
			DeviceID: cfg.DeviceID,
			Secret:   cfg.DeviceSecret,
		})
		uploader = a.remote
		a.dispatcher = dispatch.New(ob, store, a.remote, a.resolver, clk, cfg.Dispatch(),
			dispatch.WithLogger(logger),
			dispatch.WithRegisterer(reg),
		)
		a.puller = reconcile.NewPuller(a.remote, store, a.resolver, clk, cfg.PullPageSize)
	}
	a.expenses = expense.New(store, ob, clk, uploader, observer)
	return a, nil
}

// requireRemote fails when the device has no backend identity.
func (a *app) requireRemote() error {
	if err := a.cfg.ValidateRemote(); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}
