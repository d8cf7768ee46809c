// Package syncv1 defines the fieldsync.v1.SyncService wire contract: its
// messages, a JSON codec, and Connect client and handler constructors.
package syncv1

import (
	"encoding/json"
	"time"
)

const (
	// SyncServiceName is the fully-qualified name of the service.
	SyncServiceName = "fieldsync.v1.SyncService"

	RegisterDeviceProcedure = "/fieldsync.v1.SyncService/RegisterDevice"
	AuthenticateProcedure   = "/fieldsync.v1.SyncService/Authenticate"
	UpsertProcedure         = "/fieldsync.v1.SyncService/Upsert"
	DeleteProcedure         = "/fieldsync.v1.SyncService/Delete"
	PullProcedure           = "/fieldsync.v1.SyncService/Pull"
	UploadProcedure         = "/fieldsync.v1.SyncService/Upload"
)

// MetaCanonicalID is the error metadata key carrying the id the server
// already holds for a record rejected with CodeAlreadyExists.
const MetaCanonicalID = "Canonical-Id"

type RegisterDeviceRequest struct {
	DeviceID        string `json:"deviceId"`
	Secret          string `json:"secret"`
	EnrollmentToken string `json:"enrollmentToken"`
}

type RegisterDeviceResponse struct {
	DeviceID string `json:"deviceId"`
}

type AuthenticateRequest struct {
	DeviceID string `json:"deviceId"`
	Secret   string `json:"secret"`
}

type AuthenticateResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type UpsertRequest struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"data"`
}

type UpsertResponse struct {
	UpdatedAt time.Time `json:"updatedAt"`
}

type DeleteRequest struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type DeleteResponse struct{}

type PullRequest struct {
	EntityType string    `json:"entityType"`
	Since      time.Time `json:"since"`
	Limit      int       `json:"limit"`
}

type PullResponse struct {
	Records []*Record `json:"records"`
}

// Record is one entity as held by the server.
type Record struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type UploadRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type UploadResponse struct {
	URL string `json:"url"`
}
