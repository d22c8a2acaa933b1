// Package constants defines system-wide constants for the keyagent desktop key agent.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// Error Code Constants
// ================================================================================

// ErrorCode identifies a structured agent error
type ErrorCode string

const (
	// ErrCodeGatewayUnavailable indicates the gateway could not be reached
	ErrCodeGatewayUnavailable ErrorCode = "gateway_unavailable"

	// ErrCodeTransport indicates a generic network failure talking to a remote API
	ErrCodeTransport ErrorCode = "transport_error"

	// ErrCodeInvalidSignature indicates a signature or token failed verification
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"

	// ErrCodeRequestRejected indicates the remote side returned success=false
	ErrCodeRequestRejected ErrorCode = "request_rejected"

	// ErrCodeDeviceNotAuthorized indicates the device is not (or no longer) paired
	ErrCodeDeviceNotAuthorized ErrorCode = "device_not_authorized"

	// ErrCodeSyncFailed indicates a key-management domain call failed
	ErrCodeSyncFailed ErrorCode = "sync_failed"

	// ErrCodeKeyUnusable indicates a key constraint forbids another use
	ErrCodeKeyUnusable ErrorCode = "key_unusable"

	// ErrCodeKeyTimedOut indicates the key lifetime or idle timeout has elapsed
	ErrCodeKeyTimedOut ErrorCode = "key_timed_out"

	// ErrCodeKeyNotFound indicates the key is in neither the local nor the device store
	ErrCodeKeyNotFound ErrorCode = "key_not_found"

	// ErrCodeDeviceNameConflict indicates a device with the requested name already exists
	ErrCodeDeviceNameConflict ErrorCode = "device_name_conflict"

	// ErrCodeInvalidRequest indicates invalid caller input
	ErrCodeInvalidRequest ErrorCode = "invalid_request"

	// ErrCodeNotFound indicates a missing resource
	ErrCodeNotFound ErrorCode = "not_found"

	// ErrCodeInternal indicates an unexpected internal failure
	ErrCodeInternal ErrorCode = "internal_error"
)

// ErrorCategory groups error codes into the classes callers branch on
type ErrorCategory string

const (
	// CategoryTransport errors are retryable by the caller
	CategoryTransport ErrorCategory = "transport"

	// CategoryProtocol errors are fatal to the current operation
	CategoryProtocol ErrorCategory = "protocol"

	// CategoryKeyUnusable errors come from constraint or policy violations
	CategoryKeyUnusable ErrorCategory = "key_unusable"

	// CategoryConflict errors are recoverable through rename or overwrite
	CategoryConflict ErrorCategory = "conflict"

	// CategoryValidation errors come from bad caller input
	CategoryValidation ErrorCategory = "validation"

	// CategoryInternal errors are everything else
	CategoryInternal ErrorCategory = "internal"
)

// ================================================================================
// Gateway Protocol Constants
// ================================================================================

const (
	// DefaultGatewayHostname is the default pairing gateway
	DefaultGatewayHostname = "gateway.sshtools.com"

	// DefaultGatewayPort is the default gateway HTTPS port
	DefaultGatewayPort = 443

	// GatewayPathPrefix is prepended to every gateway API path
	GatewayPathPrefix = "/app"

	// ProtocolVersion is sent as the "version" parameter of signed envelopes
	ProtocolVersion = "1"

	// PayloadSeparator joins the fields of a signed pairing payload
	PayloadSeparator = "|"

	// DeviceKeyComment is the comment attached to the formatted device public key
	DeviceKeyComment = "Desktop SSH Agent"

	// DefaultDeviceKeyComment is used for advertised device keys without a comment
	DefaultDeviceKeyComment = "LogonBox Key"

	// DefaultRemoteName identifies this agent on the remote approval prompt
	DefaultRemoteName = "Desktop Agent"

	// DefaultAuthorizeText is the action shown on the remote approval prompt
	DefaultAuthorizeText = "Login"
)

// Gateway API paths relative to GatewayPathPrefix
const (
	PathPing            = "api/server/ping"
	PathVerifyDevice    = "api/agent/verify/%s/"
	PathAuthorize       = "api/agent/authorize"
	PathCheck           = "api/agent/check"
	PathDeauthorize     = "api/agent/deauthorize"
	PathSystemKey       = "api/userPrivateKeys/systemKey/%s"
	PathImportKey       = "api/userPrivateKeys/importKey"
	PathAuthorizedKeys  = "api/authenticator/authorizedKeys/%s"
	PathSignPayload     = "api/authenticator/signPayload"
	MsgDeviceNotAllowed = "This device has not been authorized to access the users account."
)

// ================================================================================
// Key-Management Domain Constants
// ================================================================================

// TeamOperation names an authorizedKeys endpoint of the key-management domain
type TeamOperation string

const (
	TeamOpList   TeamOperation = "list"
	TeamOpPolicy TeamOperation = "policy"
	TeamOpAdd    TeamOperation = "add"
	TeamOpRemove TeamOperation = "remove"
)

// TeamPathFormat is the key-management domain endpoint format (host, port, operation)
const TeamPathFormat = "https://%s:%d/app/api/authorizedKeys/%s"

// ================================================================================
// Key Source Constants
// ================================================================================

// KeySource tags where a KeyRecord's private half lives
type KeySource string

const (
	// KeySourceLocal keys are held in the local key store
	KeySourceLocal KeySource = "local"

	// KeySourceRemote keys live on a paired device
	KeySourceRemote KeySource = "remote"
)

// ================================================================================
// Key Event Constants
// ================================================================================

// KeyEventType identifies a key store notification
type KeyEventType string

const (
	KeyEventAdded          KeyEventType = "key_added"
	KeyEventRemoved        KeyEventType = "key_removed"
	KeyEventAllRemoved     KeyEventType = "keys_cleared"
	KeyEventChanged        KeyEventType = "keys_changed"
	KeyEventDevicePaired   KeyEventType = "device_paired"
	KeyEventDeviceRotated  KeyEventType = "device_rotated"
	KeyEventDeauthorized   KeyEventType = "device_deauthorized"
	KeyEventGatewayOnline  KeyEventType = "gateway_online"
	KeyEventGatewayOffline KeyEventType = "gateway_offline"
	KeyEventRotated        KeyEventType = "key_rotated"
)

// ================================================================================
// Lifecycle / Timing Constants
// ================================================================================

const (
	// ExpiryWarningWindow marks an authorized key as expiring this long before its expiry
	ExpiryWarningWindow = 7 * 24 * time.Hour

	// DefaultRequestTimeout bounds every gateway request, including remote sign approval
	DefaultRequestTimeout = 120 * time.Second

	// DefaultCheckInterval is the liveness monitor period
	DefaultCheckInterval = 30 * time.Second

	// DefaultDeviceKeyRefresh is how often the device key cache is refreshed
	DefaultDeviceKeyRefresh = 10 * time.Minute

	// DefaultDeviceKeyCacheTTL bounds how long advertised device keys are served from cache
	DefaultDeviceKeyCacheTTL = 10 * time.Minute

	// DefaultProbeConcurrency bounds parallel VerifyAccess probes
	DefaultProbeConcurrency = 4
)

// ================================================================================
// File / Storage Constants
// ================================================================================

const (
	// DefaultConfigDir is the per-user state directory, relative to $HOME
	DefaultConfigDir = ".keyagent"

	// DefaultStateDB is the sqlite database file inside the state directory
	DefaultStateDB = "agent.db"

	// PrivateFileMode is applied to every file holding secrets
	PrivateFileMode = 0o600

	// PrivateDirMode is applied to the state directory
	PrivateDirMode = 0o700

	// DeviceStateSecretPath is the default Vault KV path for device state
	DeviceStateSecretPath = "keyagent/device"
)

// ================================================================================
// Logging Constants
// ================================================================================

// LogLevel represents the logging severity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// ContextKey is the type for request-scoped context values
type ContextKey string

const (
	// ContextKeyRequestID carries a correlation ID through a protocol call
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyAccount carries the account username for logging
	ContextKeyAccount ContextKey = "account"
)
