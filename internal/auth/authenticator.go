// Package auth enrolls field devices and issues the bearer tokens they sync
// with.
package auth

import (
	"context"

	"github.com/mmynk/fieldsync/internal/storage/serverdb"
)

// Authenticator defines how devices prove their identity.
// Swapping the implementation (shared secret, client certificates...) does
// not change the service layer.
type Authenticator interface {
	// Register enrolls a device with the given credential.
	Register(ctx context.Context, deviceID, credential string) (*serverdb.Device, error)

	// Authenticate verifies a device credential and returns the device.
	Authenticate(ctx context.Context, deviceID, credential string) (*serverdb.Device, error)

	// ValidateCredential checks if the credential meets the implementation's requirements.
	ValidateCredential(credential string) error
}
