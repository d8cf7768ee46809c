package service

import (
	"context"
	"crypto/subtle"
	"errors"

	"connectrpc.com/connect"

	"github.com/mmynk/fieldsync/internal/auth"
	syncv1 "github.com/mmynk/fieldsync/pkg/syncv1"
)

var errEnrollmentDenied = errors.New("invalid enrollment token")

// RegisterDevice enrolls a new device. The caller must present the
// server's enrollment token.
func (s *SyncService) RegisterDevice(ctx context.Context, req *connect.Request[syncv1.RegisterDeviceRequest]) (*connect.Response[syncv1.RegisterDeviceResponse], error) {
	msg := req.Msg
	s.logger.InfoContext(ctx, "Register request", "device_id", msg.DeviceID)

	if msg.DeviceID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, auth.ErrInvalidCredentials)
	}
	if s.opts.EnrollmentToken == "" ||
		subtle.ConstantTimeCompare([]byte(msg.EnrollmentToken), []byte(s.opts.EnrollmentToken)) != 1 {
		return nil, connect.NewError(connect.CodePermissionDenied, errEnrollmentDenied)
	}

	device, err := s.authenticator.Register(ctx, msg.DeviceID, msg.Secret)
	if err != nil {
		s.logger.ErrorContext(ctx, "Registration failed", "device_id", msg.DeviceID, "error", err)
		if errors.Is(err, auth.ErrDeviceExists) {
			return nil, connect.NewError(connect.CodeAlreadyExists, err)
		}
		if errors.Is(err, auth.ErrWeakSecret) {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	s.logger.InfoContext(ctx, "Device registered", "device_id", device.ID)
	return connect.NewResponse(&syncv1.RegisterDeviceResponse{DeviceID: device.ID}), nil
}

// Authenticate exchanges a device secret for a bearer token.
func (s *SyncService) Authenticate(ctx context.Context, req *connect.Request[syncv1.AuthenticateRequest]) (*connect.Response[syncv1.AuthenticateResponse], error) {
	msg := req.Msg
	if msg.DeviceID == "" || msg.Secret == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, auth.ErrInvalidCredentials)
	}

	device, err := s.authenticator.Authenticate(ctx, msg.DeviceID, msg.Secret)
	if err != nil {
		s.logger.WarnContext(ctx, "Authentication failed", "device_id", msg.DeviceID, "error", err)
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidCredentials)
	}

	token, expiresAt, err := s.jwtManager.Generate(device)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to generate token", "device_id", device.ID, "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&syncv1.AuthenticateResponse{Token: token, ExpiresAt: expiresAt}), nil
}
