// Package service implements the reference sync backend over Connect.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/auth"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/middleware"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/reconcile"
	"github.com/mmynk/fieldsync/internal/storage/serverdb"
	syncv1 "github.com/mmynk/fieldsync/pkg/syncv1"
)

const (
	defaultPullLimit = 200
	maxPullLimit     = 1000

	// DefaultMaxUploadBytes bounds a single uploaded file.
	DefaultMaxUploadBytes = 10 << 20
)

var syncedTypes = map[string]bool{
	models.EntityClient:     true,
	models.EntityAsset:      true,
	models.EntityCycle:      true,
	models.EntitySettlement: true,
	models.EntityExpense:    true,
}

// Options configures a SyncService.
type Options struct {
	// EnrollmentToken must be presented by RegisterDevice. Empty disables
	// enrollment.
	EnrollmentToken string

	// PublicURL prefixes the URLs returned by Upload.
	PublicURL string

	MaxUploadBytes int
}

// SyncService implements the fieldsync.v1.SyncService RPCs.
type SyncService struct {
	store         *serverdb.Store
	authenticator auth.Authenticator
	jwtManager    *auth.JWTManager
	clock         clock.Clock
	opts          Options
	logger        *slog.Logger
}

var _ syncv1.SyncServiceHandler = (*SyncService)(nil)

// NewSyncService creates a new SyncService.
func NewSyncService(store *serverdb.Store, authenticator auth.Authenticator, jwtManager *auth.JWTManager, clk clock.Clock, opts Options, logger *slog.Logger) *SyncService {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	opts.PublicURL = strings.TrimSuffix(opts.PublicURL, "/")
	return &SyncService{
		store:         store,
		authenticator: authenticator,
		jwtManager:    jwtManager,
		clock:         clk,
		opts:          opts,
		logger:        logger,
	}
}

// PublicProcedures are the procedures callable without a token.
func PublicProcedures() []string {
	return []string{syncv1.RegisterDeviceProcedure, syncv1.AuthenticateProcedure}
}

// Upsert stores one entity snapshot. A client whose normalized name is
// already used on its route under another id is rejected with
// CodeAlreadyExists, carrying the existing id in the Canonical-Id metadata.
func (s *SyncService) Upsert(ctx context.Context, req *connect.Request[syncv1.UpsertRequest]) (*connect.Response[syncv1.UpsertResponse], error) {
	msg := req.Msg
	if err := validateRef(msg.EntityType, msg.EntityID); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if !json.Valid(msg.Data) || len(msg.Data) == 0 || msg.Data[0] != '{' {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s %s: data must be a JSON object", msg.EntityType, msg.EntityID))
	}

	rec := &serverdb.Record{
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Data:       msg.Data,
		DeviceID:   middleware.GetDeviceID(ctx),
	}
	if msg.EntityType == models.EntityClient {
		key, err := clientMatchKey(msg.Data)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		rec.MatchKey = key
	}

	updatedAt, err := s.store.Upsert(ctx, rec, s.clock.Now())
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Code == apperr.CodeIdentityConflict {
			canonicalID := ae.Detail(apperr.DetailCanonicalID)
			s.logger.InfoContext(ctx, "Rejected duplicate record",
				"entity_type", msg.EntityType,
				"entity_id", msg.EntityID,
				"canonical_id", canonicalID,
			)
			cerr := connect.NewError(connect.CodeAlreadyExists, err)
			cerr.Meta().Set(syncv1.MetaCanonicalID, canonicalID)
			return nil, cerr
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&syncv1.UpsertResponse{UpdatedAt: updatedAt}), nil
}

// Delete tombstones one entity.
func (s *SyncService) Delete(ctx context.Context, req *connect.Request[syncv1.DeleteRequest]) (*connect.Response[syncv1.DeleteResponse], error) {
	if err := validateRef(req.Msg.EntityType, req.Msg.EntityID); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	_, err := s.store.Delete(ctx, req.Msg.EntityType, req.Msg.EntityID, middleware.GetDeviceID(ctx), s.clock.Now())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&syncv1.DeleteResponse{}), nil
}

// Pull lists records changed after a watermark, oldest change first.
func (s *SyncService) Pull(ctx context.Context, req *connect.Request[syncv1.PullRequest]) (*connect.Response[syncv1.PullResponse], error) {
	msg := req.Msg
	if !syncedTypes[msg.EntityType] {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown entity type %q", msg.EntityType))
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}
	limit = min(limit, maxPullLimit)

	records, err := s.store.ListChanged(ctx, msg.EntityType, msg.Since, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	resp := &syncv1.PullResponse{Records: make([]*syncv1.Record, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, &syncv1.Record{
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Data:       rec.Data,
			Deleted:    rec.Deleted,
			UpdatedAt:  rec.UpdatedAt,
		})
	}
	return connect.NewResponse(resp), nil
}

// Upload stores a file and returns the URL it is served from.
func (s *SyncService) Upload(ctx context.Context, req *connect.Request[syncv1.UploadRequest]) (*connect.Response[syncv1.UploadResponse], error) {
	msg := req.Msg
	if msg.Name == "" || len(msg.Data) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("name and data are required"))
	}
	if len(msg.Data) > s.opts.MaxUploadBytes {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	blob := &serverdb.Blob{
		ID:          uuid.New().String(),
		Name:        msg.Name,
		ContentType: contentType,
		Data:        msg.Data,
		DeviceID:    middleware.GetDeviceID(ctx),
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.PutBlob(ctx, blob); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	s.logger.InfoContext(ctx, "Stored upload", "blob_id", blob.ID, "name", blob.Name, "bytes", len(blob.Data))
	return connect.NewResponse(&syncv1.UploadResponse{URL: s.opts.PublicURL + BlobPath + blob.ID}), nil
}

func validateRef(entityType, entityID string) error {
	if !syncedTypes[entityType] {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	if strings.TrimSpace(entityID) == "" {
		return fmt.Errorf("%s id is required", entityType)
	}
	return nil
}

func clientMatchKey(data json.RawMessage) (string, error) {
	var c payload.Client
	if err := json.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("invalid client data: %w", err)
	}
	if strings.TrimSpace(c.Name) == "" || c.RouteID == "" {
		return "", errors.New("client name and route are required")
	}
	return reconcile.MatchKey(c.RouteID, c.Name), nil
}
