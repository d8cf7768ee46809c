package syncv1

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

// SyncServiceClient is a client for the fieldsync.v1.SyncService service.
type SyncServiceClient interface {
	RegisterDevice(context.Context, *connect.Request[RegisterDeviceRequest]) (*connect.Response[RegisterDeviceResponse], error)
	Authenticate(context.Context, *connect.Request[AuthenticateRequest]) (*connect.Response[AuthenticateResponse], error)
	Upsert(context.Context, *connect.Request[UpsertRequest]) (*connect.Response[UpsertResponse], error)
	Delete(context.Context, *connect.Request[DeleteRequest]) (*connect.Response[DeleteResponse], error)
	Pull(context.Context, *connect.Request[PullRequest]) (*connect.Response[PullResponse], error)
	Upload(context.Context, *connect.Request[UploadRequest]) (*connect.Response[UploadResponse], error)
}

// NewSyncServiceClient constructs a client for the fieldsync.v1.SyncService
// service. baseURL is the server root, e.g. http://localhost:8080.
func NewSyncServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) SyncServiceClient {
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &syncServiceClient{
		registerDevice: connect.NewClient[RegisterDeviceRequest, RegisterDeviceResponse](httpClient, baseURL+RegisterDeviceProcedure, opts...),
		authenticate:   connect.NewClient[AuthenticateRequest, AuthenticateResponse](httpClient, baseURL+AuthenticateProcedure, opts...),
		upsert:         connect.NewClient[UpsertRequest, UpsertResponse](httpClient, baseURL+UpsertProcedure, opts...),
		delete:         connect.NewClient[DeleteRequest, DeleteResponse](httpClient, baseURL+DeleteProcedure, opts...),
		pull:           connect.NewClient[PullRequest, PullResponse](httpClient, baseURL+PullProcedure, opts...),
		upload:         connect.NewClient[UploadRequest, UploadResponse](httpClient, baseURL+UploadProcedure, opts...),
	}
}

type syncServiceClient struct {
	registerDevice *connect.Client[RegisterDeviceRequest, RegisterDeviceResponse]
	authenticate   *connect.Client[AuthenticateRequest, AuthenticateResponse]
	upsert         *connect.Client[UpsertRequest, UpsertResponse]
	delete         *connect.Client[DeleteRequest, DeleteResponse]
	pull           *connect.Client[PullRequest, PullResponse]
	upload         *connect.Client[UploadRequest, UploadResponse]
}

func (c *syncServiceClient) RegisterDevice(ctx context.Context, req *connect.Request[RegisterDeviceRequest]) (*connect.Response[RegisterDeviceResponse], error) {
	return c.registerDevice.CallUnary(ctx, req)
}

func (c *syncServiceClient) Authenticate(ctx context.Context, req *connect.Request[AuthenticateRequest]) (*connect.Response[AuthenticateResponse], error) {
	return c.authenticate.CallUnary(ctx, req)
}

func (c *syncServiceClient) Upsert(ctx context.Context, req *connect.Request[UpsertRequest]) (*connect.Response[UpsertResponse], error) {
	return c.upsert.CallUnary(ctx, req)
}

func (c *syncServiceClient) Delete(ctx context.Context, req *connect.Request[DeleteRequest]) (*connect.Response[DeleteResponse], error) {
	return c.delete.CallUnary(ctx, req)
}

func (c *syncServiceClient) Pull(ctx context.Context, req *connect.Request[PullRequest]) (*connect.Response[PullResponse], error) {
	return c.pull.CallUnary(ctx, req)
}

func (c *syncServiceClient) Upload(ctx context.Context, req *connect.Request[UploadRequest]) (*connect.Response[UploadResponse], error) {
	return c.upload.CallUnary(ctx, req)
}

// SyncServiceHandler is implemented by the fieldsync.v1.SyncService server.
type SyncServiceHandler interface {
	RegisterDevice(context.Context, *connect.Request[RegisterDeviceRequest]) (*connect.Response[RegisterDeviceResponse], error)
	Authenticate(context.Context, *connect.Request[AuthenticateRequest]) (*connect.Response[AuthenticateResponse], error)
	Upsert(context.Context, *connect.Request[UpsertRequest]) (*connect.Response[UpsertResponse], error)
	Delete(context.Context, *connect.Request[DeleteRequest]) (*connect.Response[DeleteResponse], error)
	Pull(context.Context, *connect.Request[PullRequest]) (*connect.Response[PullResponse], error)
	Upload(context.Context, *connect.Request[UploadRequest]) (*connect.Response[UploadResponse], error)
}

// NewSyncServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and the
// handler itself.
func NewSyncServiceHandler(svc SyncServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)
	registerDevice := connect.NewUnaryHandler(RegisterDeviceProcedure, svc.RegisterDevice, opts...)
	authenticate := connect.NewUnaryHandler(AuthenticateProcedure, svc.Authenticate, opts...)
	upsert := connect.NewUnaryHandler(UpsertProcedure, svc.Upsert, opts...)
	del := connect.NewUnaryHandler(DeleteProcedure, svc.Delete, opts...)
	pull := connect.NewUnaryHandler(PullProcedure, svc.Pull, opts...)
	upload := connect.NewUnaryHandler(UploadProcedure, svc.Upload, opts...)

	return "/" + SyncServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case RegisterDeviceProcedure:
			registerDevice.ServeHTTP(w, r)
		case AuthenticateProcedure:
			authenticate.ServeHTTP(w, r)
		case UpsertProcedure:
			upsert.ServeHTTP(w, r)
		case DeleteProcedure:
			del.ServeHTTP(w, r)
		case PullProcedure:
			pull.ServeHTTP(w, r)
		case UploadProcedure:
			upload.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}
