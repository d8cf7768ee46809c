// Package remote talks to the sync backend. Client implements the
// dispatcher's Backend, the puller's Source and the expense photo Uploader
// over Connect.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/dispatch"
	"github.com/mmynk/fieldsync/internal/expense"
	"github.com/mmynk/fieldsync/internal/reconcile"
	syncv1 "github.com/mmynk/fieldsync/pkg/syncv1"
)

// tokenSkew renews a token this long before it expires.
const tokenSkew = 30 * time.Second

var (
	_ dispatch.Backend = (*Client)(nil)
	_ reconcile.Source = (*Client)(nil)
	_ expense.Uploader = (*Client)(nil)
)

// Config identifies the backend and the device.
type Config struct {
	BaseURL  string
	DeviceID string
	Secret   string
}

// Client is a Connect client for fieldsync.v1.SyncService. It authenticates
// lazily and caches the bearer token until shortly before it expires.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	rpc      syncv1.SyncServiceClient
	deviceID string
	secret   string
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(httpClient connect.HTTPClient, cfg Config, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		deviceID: cfg.DeviceID,
		secret:   cfg.Secret,
		logger:   slog.Default(),
		now:      time.Now,
	}
	opts = append([]connect.ClientOption{connect.WithInterceptors(c.bearerInterceptor())}, opts...)
	c.rpc = syncv1.NewSyncServiceClient(httpClient, strings.TrimSuffix(cfg.BaseURL, "/"), opts...)
	return c
}

// Register enrolls this device with the backend.
func (c *Client) Register(ctx context.Context, enrollmentToken string) error {
	_, err := c.rpc.RegisterDevice(ctx, connect.NewRequest(&syncv1.RegisterDeviceRequest{
		DeviceID:        c.deviceID,
		Secret:          c.secret,
		EnrollmentToken: enrollmentToken,
	}))
	if err != nil {
		return fmt.Errorf("failed to register device %s: %w", c.deviceID, err)
	}
	return nil
}

// Upsert sends one entity snapshot.
func (c *Client) Upsert(ctx context.Context, entityType, entityID string, data json.RawMessage) error {
	_, err := c.rpc.Upsert(ctx, connect.NewRequest(&syncv1.UpsertRequest{
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
	}))
	return classify(entityType, entityID, err)
}

// Delete removes one entity.
func (c *Client) Delete(ctx context.Context, entityType, entityID string) error {
	_, err := c.rpc.Delete(ctx, connect.NewRequest(&syncv1.DeleteRequest{
		EntityType: entityType,
		EntityID:   entityID,
	}))
	return classify(entityType, entityID, err)
}

// Pull lists records of entityType changed after since.
func (c *Client) Pull(ctx context.Context, entityType string, since time.Time, limit int) ([]reconcile.Record, error) {
	resp, err := c.rpc.Pull(ctx, connect.NewRequest(&syncv1.PullRequest{
		EntityType: entityType,
		Since:      since,
		Limit:      limit,
	}))
	if err != nil {
		return nil, classify(entityType, "", err)
	}

	records := make([]reconcile.Record, 0, len(resp.Msg.Records))
	for _, r := range resp.Msg.Records {
		records = append(records, reconcile.Record{
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Data:       r.Data,
			Deleted:    r.Deleted,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return records, nil
}

// Upload stores a file and returns its URL.
func (c *Client) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	resp, err := c.rpc.Upload(ctx, connect.NewRequest(&syncv1.UploadRequest{
		Name:        name,
		ContentType: contentType,
		Data:        data,
	}))
	if err != nil {
		return "", classify("upload", name, err)
	}
	return resp.Msg.URL, nil
}

func (c *Client) bearerInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			switch req.Spec().Procedure {
			case syncv1.AuthenticateProcedure, syncv1.RegisterDeviceProcedure:
				return next(ctx, req)
			}

			token, err := c.bearer(ctx)
			if err != nil {
				return nil, err
			}
			req.Header().Set("Authorization", "Bearer "+token)

			resp, err := next(ctx, req)
			if connect.CodeOf(err) == connect.CodeUnauthenticated {
				c.dropToken(token)
			}
			return resp, err
		}
	}
}

// bearer returns a valid token, authenticating when none is cached.
// Concurrent callers wait for a single Authenticate call.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(tokenSkew).Before(c.expiresAt) {
		return c.token, nil
	}

	resp, err := c.rpc.Authenticate(ctx, connect.NewRequest(&syncv1.AuthenticateRequest{
		DeviceID: c.deviceID,
		Secret:   c.secret,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to authenticate device %s: %w", c.deviceID, err)
	}
	c.token = resp.Msg.Token
	c.expiresAt = resp.Msg.ExpiresAt
	c.logger.DebugContext(ctx, "Authenticated with backend", "device_id", c.deviceID, "expires_at", c.expiresAt)
	return c.token, nil
}

func (c *Client) dropToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

// classify maps a transport error onto the sync error taxonomy: duplicates
// become identity conflicts, requests the backend will never accept are
// permanent, and everything else is worth retrying.
func classify(entityType, entityID string, err error) error {
	if err == nil {
		return nil
	}

	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return apperr.TransientSync(err)
	}

	switch cerr.Code() {
	case connect.CodeAlreadyExists:
		if canonicalID := cerr.Meta().Get(syncv1.MetaCanonicalID); canonicalID != "" {
			ic := apperr.IdentityConflict(entityType, entityID, canonicalID)
			ic.Err = err
			return ic
		}
		return apperr.PermanentSync(err)
	case connect.CodeInvalidArgument, connect.CodeFailedPrecondition, connect.CodePermissionDenied,
		connect.CodeUnimplemented, connect.CodeOutOfRange, connect.CodeNotFound:
		return apperr.PermanentSync(err)
	default:
		return apperr.TransientSync(err)
	}
}
