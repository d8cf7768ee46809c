package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/storage/serverdb"
)

// MinSecretLength is the shortest device secret accepted at enrollment.
const MinSecretLength = 16

var (
	ErrInvalidCredentials = errors.New("invalid device id or secret")
	ErrWeakSecret         = fmt.Errorf("device secret must be at least %d characters", MinSecretLength)
	ErrDeviceExists       = errors.New("device already enrolled")
)

// DeviceStorage defines the device persistence the authenticator needs.
type DeviceStorage interface {
	CreateDevice(ctx context.Context, d *serverdb.Device) error
	GetDevice(ctx context.Context, id string) (*serverdb.Device, error)
	TouchDevice(ctx context.Context, id string, at time.Time) error
}

// SecretAuthenticator authenticates devices by a shared secret hashed with
// bcrypt.
type SecretAuthenticator struct {
	storage DeviceStorage
	now     func() time.Time
}

// NewSecretAuthenticator creates a new secret-based authenticator.
func NewSecretAuthenticator(storage DeviceStorage) *SecretAuthenticator {
	return &SecretAuthenticator{
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ValidateCredential checks if the secret meets minimum requirements.
func (a *SecretAuthenticator) ValidateCredential(credential string) error {
	if len(credential) < MinSecretLength {
		return ErrWeakSecret
	}
	return nil
}

// Register enrolls a device with a hashed secret.
func (a *SecretAuthenticator) Register(ctx context.Context, deviceID, credential string) (*serverdb.Device, error) {
	if err := a.ValidateCredential(credential); err != nil {
		return nil, err
	}

	existing, err := a.storage.GetDevice(ctx, deviceID)
	if err == nil && existing != nil {
		return nil, ErrDeviceExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	device := &serverdb.Device{
		ID:         deviceID,
		SecretHash: string(hashed),
		CreatedAt:  a.now(),
	}
	if err := a.storage.CreateDevice(ctx, device); err != nil {
		if apperr.IsConflict(err) {
			return nil, ErrDeviceExists
		}
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	return device, nil
}

// Authenticate verifies the device secret and records the device as seen.
func (a *SecretAuthenticator) Authenticate(ctx context.Context, deviceID, credential string) (*serverdb.Device, error) {
	device, err := a.storage.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(credential)); err != nil {
		return nil, ErrInvalidCredentials
	}

	device.LastSeenAt = a.now()
	if err := a.storage.TouchDevice(ctx, device.ID, device.LastSeenAt); err != nil {
		return nil, err
	}
	return device, nil
}
