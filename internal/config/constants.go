package config

import "time"

// Application constants for the keygate licensing server.
const (
	AppName    = "keygate"
	AppVersion = "1.2.0"

	// License key format: four dash-separated groups of eight uppercase
	// hex digits, e.g. 3F2A9C01-77B4D2E8-0A1B2C3D-4E5F6071.
	LicenseKeyGroupLen = 8
	LicenseKeyGroups   = 4
	LicenseKeyPattern  = `^[0-9A-F]{8}-[0-9A-F]{8}-[0-9A-F]{8}-[0-9A-F]{8}$`

	// Default per-action rate policies. Activation is the most abusable
	// surface, heartbeats are chatty, downloads and admin calls are rare.
	DefaultActivateLimit  = 10
	DefaultActivateWindow = 5 * time.Minute
	DefaultValidateLimit  = 60
	DefaultValidateWindow = 5 * time.Minute
	DefaultDownloadLimit  = 10
	DefaultDownloadWindow = time.Hour
	DefaultAdminLimit     = 30
	DefaultAdminWindow    = 5 * time.Minute

	DefaultBlockDuration = 15 * time.Minute

	// MasterSecretLen is the size of the generated master secret in bytes.
	MasterSecretLen = 32
)
