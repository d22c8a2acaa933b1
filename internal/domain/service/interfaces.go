package service

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/domain/models"
)

//go:generate mockery --name GatewayClient --output mocks --outpkg mocks
// GatewayClient is the typed pairing-gateway API bound to one endpoint.
// Transport failures are returned as retryable transport errors; a success=false
// envelope is returned as a protocol error unless the method documents otherwise.
// GatewayClient 是绑定到单个端点的配对网关 API。
type GatewayClient interface {
	// Ping probes gateway liveness.
	// Ping 探测网关是否可达。
	Ping(ctx context.Context) error

	// VerifyDeviceName reports whether deviceName is free for the account identified by authorization.
	// VerifyDeviceName 报告设备名称是否可用。
	VerifyDeviceName(ctx context.Context, deviceName, authorization string) (available bool, err error)

	// Authorize submits a signed pairing payload and returns the new, still unverified token.
	// Authorize 提交已签名的配对载荷并返回新的（尚未验证的）令牌。
	Authorize(ctx context.Context, req AuthorizeRequest) (token string, err error)

	// SystemKey fetches the account's system public key used to verify issued tokens.
	// SystemKey 获取用于验证令牌的账户系统公钥。
	SystemKey(ctx context.Context, username string) (ssh.PublicKey, error)

	// Check reports whether the signed envelope is still accepted. A rejection is (false, nil).
	// Check 报告已签名的信封是否仍被接受。
	Check(ctx context.Context, envelope models.SignedEnvelope) (bool, error)

	// Deauthorize revokes the device token.
	// Deauthorize 撤销设备令牌。
	Deauthorize(ctx context.Context, envelope models.SignedEnvelope) error

	// DeviceKeys returns the raw authorized_keys document advertised for the account.
	// DeviceKeys 返回账户公布的原始 authorized_keys 文档。
	DeviceKeys(ctx context.Context, username string) (string, error)

	// SignPayload delegates a signature to the paired device and blocks until it answers.
	// SignPayload 将签名委托给已配对设备，并阻塞直到其响应。
	SignPayload(ctx context.Context, req SignRequest) ([]byte, error)

	// ImportKey uploads an encrypted private key so that it becomes a device key.
	// ImportKey 上传加密私钥，使其成为设备密钥。
	ImportKey(ctx context.Context, envelope models.SignedEnvelope, req ImportKeyRequest) error
}

// GatewayDialer builds a GatewayClient for an endpoint.
type GatewayDialer interface {
	Dial(endpoint models.GatewayEndpoint) (GatewayClient, error)
}

// AuthorizeRequest carries the form fields of a pairing or rotation request.
type AuthorizeRequest struct {
	PreviousToken string
	Token         string
	DeviceName    string
	Username      string
	Overwrite     bool
	PublicKey     string
	// Envelope proves possession of the current device key on rotation; nil on first pairing.
	Envelope *models.SignedEnvelope
}

// SignRequest carries a remote sign delegation.
type SignRequest struct {
	Username      string
	RemoteName    string
	AuthorizeText string
	Flags         uint32
	Fingerprint   string
	Payload       []byte
}

// ImportKeyRequest carries a private key upload.
type ImportKeyRequest struct {
	Name       string
	Passphrase string
	PrivateKey string
}

//go:generate mockery --name KeyManagementClient --output mocks --outpkg mocks
// KeyManagementClient is the nonce-signed key-management domain API.
// Every call is authorized by signer, a local key already trusted by the domain.
// KeyManagementClient 是基于随机数签名的密钥管理域 API。
type KeyManagementClient interface {
	Policy(ctx context.Context, username string, signer *models.KeyRecord) (*models.KeyPolicy, error)
	AuthorizedKeys(ctx context.Context, username string, signer *models.KeyRecord) ([]models.AuthorizedKey, error)
	AddKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error
	RemoveKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error
}

// RequestSigner signs protocol authorization blobs with a local key.
type RequestSigner interface {
	SignRequest(ctx context.Context, key ssh.PublicKey, data []byte) (*ssh.Signature, error)
}

// DeviceKeyCache caches the authorized_keys document advertised by the gateway.
type DeviceKeyCache interface {
	Get(ctx context.Context, username string) (string, bool, error)
	Set(ctx context.Context, username, document string, ttl time.Duration) error
	Delete(ctx context.Context, username string) error
}

// KeyEventSink receives key events for durable recording or export.
type KeyEventSink interface {
	Publish(ctx context.Context, event models.KeyEvent) error
}
