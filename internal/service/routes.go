package service

import (
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/fieldsync/internal/auth"
	"github.com/mmynk/fieldsync/internal/middleware"
	"github.com/mmynk/fieldsync/internal/storage/serverdb"
	syncv1 "github.com/mmynk/fieldsync/pkg/syncv1"
)

// Routes mounts the sync service and the blob handler on a new mux.
// Interceptors run metrics first, then auth, then logging.
func Routes(svc *SyncService, store *serverdb.Store, jwtManager *auth.JWTManager, reg prometheus.Registerer, logger *slog.Logger) *http.ServeMux {
	interceptors := connect.WithInterceptors(
		middleware.MetricsInterceptor(reg),
		middleware.RequireAuth(jwtManager, PublicProcedures()...),
		middleware.LoggingInterceptor(logger),
	)

	mux := http.NewServeMux()
	path, handler := syncv1.NewSyncServiceHandler(svc, interceptors)
	mux.Handle(path, handler)
	mux.Handle(BlobPath, BlobHandler(store, logger))
	return mux
}
