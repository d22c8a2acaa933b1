// Package gateway implements the pairing-gateway HTTP API.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
	"github.com/turtacn/keyagent/pkg/utils"
)

const maxResponseBytes = 1 << 20

// Options configures a Client.
type Options struct {
	// RequestTimeout bounds every request, including remote sign approval.
	RequestTimeout time.Duration
	// SignRatePerMinute limits delegated sign requests; zero disables the limiter.
	SignRatePerMinute int
	SignBurst         int
	// HTTPClient overrides the transport; used by tests.
	HTTPClient *http.Client
	Metrics    service.Metrics
	Logger     logger.Logger
}

// Client is the pairing-gateway API bound to one endpoint.
type Client struct {
	endpoint   models.GatewayEndpoint
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	metrics    service.Metrics
	logger     logger.Logger
	tracer     trace.Tracer
}

// jsonResponse is the gateway's common response envelope.
type jsonResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Resource  json.RawMessage `json:"resource,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// NewClient creates a client for endpoint. Certificate verification follows endpoint.StrictTLS.
func NewClient(endpoint models.GatewayEndpoint, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = constants.DefaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = service.NewNoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(endpoint.StrictTLS)
	}

	var limiter *rate.Limiter
	if opts.SignRatePerMinute > 0 {
		burst := opts.SignBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.SignRatePerMinute)), burst)
	}

	return &Client{
		endpoint:   endpoint,
		baseURL:    endpoint.BaseURL(),
		httpClient: httpClient,
		timeout:    opts.RequestTimeout,
		limiter:    limiter,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithComponent("gateway").WithFields(logger.String("gateway", endpoint.Hostname)),
		tracer:     otel.Tracer("github.com/turtacn/keyagent/gateway"),
	}
}

// NewHTTPClient returns a client whose TLS verification is disabled unless strict is set.
func NewHTTPClient(strict bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !strict {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-hosted gateways
	}
	return &http.Client{Transport: transport}
}

// Endpoint returns the endpoint the client is bound to.
func (c *Client) Endpoint() models.GatewayEndpoint {
	return c.endpoint
}

// Ping probes gateway liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, constants.PathPing, nil)
	return err
}

// VerifyDeviceName reports whether deviceName is free. success=false means the name is taken.
func (c *Client) VerifyDeviceName(ctx context.Context, deviceName, authorization string) (bool, error) {
	form := url.Values{}
	form.Set("authorization", authorization)
	resp, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf(constants.PathVerifyDevice, url.PathEscape(deviceName)), form)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Authorize submits a signed pairing payload. The message of a successful response is the new token.
func (c *Client) Authorize(ctx context.Context, req service.AuthorizeRequest) (string, error) {
	form := url.Values{}
	form.Set("previousToken", req.PreviousToken)
	form.Set("token", req.Token)
	form.Set("version", constants.ProtocolVersion)
	form.Set("deviceName", req.DeviceName)
	form.Set("username", req.Username)
	form.Set("overwrite", strconv.FormatBool(req.Overwrite))
	form.Set("key", req.PublicKey)
	if req.Envelope != nil {
		setEnvelope(form, *req.Envelope)
	}

	resp, err := c.doJSON(ctx, http.MethodPost, constants.PathAuthorize, form)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", errors.ErrRequestRejected(constants.PathAuthorize, resp.Message)
	}
	if resp.Message == "" {
		return "", errors.ErrInvalidSignature("gateway returned an empty token")
	}
	return resp.Message, nil
}

// SystemKey fetches the account's system public key.
func (c *Client) SystemKey(ctx context.Context, username string) (ssh.PublicKey, error) {
	path := fmt.Sprintf(constants.PathSystemKey, url.PathEscape(username))
	resp, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var formatted string
	if err := json.Unmarshal(resp.Resource, &formatted); err != nil || formatted == "" {
		return nil, errors.ErrRequestRejected(path, "system key response has no resource")
	}
	pub, _, err := crypto.ParsePublicKey(formatted)
	if err != nil {
		return nil, errors.ErrInvalidSignature("system key could not be parsed").WithCause(err)
	}
	return pub, nil
}

// Check reports whether the envelope is still accepted.
func (c *Client) Check(ctx context.Context, envelope models.SignedEnvelope) (bool, error) {
	form := url.Values{}
	setEnvelope(form, envelope)
	resp, err := c.doJSON(ctx, http.MethodPost, constants.PathCheck, form)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Deauthorize revokes the device token.
func (c *Client) Deauthorize(ctx context.Context, envelope models.SignedEnvelope) error {
	form := url.Values{}
	setEnvelope(form, envelope)
	resp, err := c.doJSON(ctx, http.MethodPost, constants.PathDeauthorize, form)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.ErrRequestRejected(constants.PathDeauthorize, resp.Message)
	}
	return nil
}

// DeviceKeys returns the raw authorized_keys document for username.
func (c *Client) DeviceKeys(ctx context.Context, username string) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf(constants.PathAuthorizedKeys, url.PathEscape(username)), nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// SignPayload delegates a signature to the paired device and returns the raw signature blob.
func (c *Client) SignPayload(ctx context.Context, req service.SignRequest) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.ErrTransport(constants.PathSignPayload, err)
		}
	}

	form := url.Values{}
	form.Set("username", req.Username)
	form.Set("remoteName", req.RemoteName)
	form.Set("authorizeText", req.AuthorizeText)
	form.Set("flags", strconv.FormatUint(uint64(req.Flags), 10))
	form.Set("fingerprint", req.Fingerprint)
	form.Set("payload", utils.EncodeBase64URL(req.Payload))

	resp, err := c.doJSON(ctx, http.MethodPost, constants.PathSignPayload, form)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.ErrRequestRejected(constants.PathSignPayload, "Remote response returned unknown failure")
	}
	raw, err := utils.DecodeBase64URL(resp.Signature)
	if err != nil {
		return nil, errors.ErrInvalidSignature("signature is not base64url").WithCause(err)
	}
	return raw, nil
}

// ImportKey uploads an encrypted private key as a device key.
func (c *Client) ImportKey(ctx context.Context, envelope models.SignedEnvelope, req service.ImportKeyRequest) error {
	form := url.Values{}
	setEnvelope(form, envelope)
	form.Set("name", req.Name)
	form.Set("type", "private")
	form.Set("deviceKey", "true")
	form.Set("passphrase", req.Passphrase)
	form.Set("key", req.PrivateKey)

	resp, err := c.doJSON(ctx, http.MethodPost, constants.PathImportKey, form)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.ErrRequestRejected(constants.PathImportKey, resp.Message)
	}
	return nil
}

func setEnvelope(form url.Values, envelope models.SignedEnvelope) {
	form.Set("version", envelope.Version)
	form.Set("timestamp", strconv.FormatInt(envelope.Timestamp, 10))
	form.Set("signature", envelope.Signature)
	form.Set("username", envelope.Principal)
	form.Set("token", envelope.Token)
}

func (c *Client) doJSON(ctx context.Context, method, path string, form url.Values) (*jsonResponse, error) {
	body, err := c.doRequest(ctx, method, path, form)
	if err != nil {
		return nil, err
	}
	var resp jsonResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.ErrRequestRejected(path, "response is not a JSON envelope").WithCause(err)
	}
	return &resp, nil
}

// doRequest performs one exchange. POST bodies are form encoded; GET requests carry form as the query.
func (c *Client) doRequest(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "gateway "+path, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("gateway.host", c.endpoint.Hostname)))
	defer span.End()

	target := c.baseURL + path
	var bodyReader io.Reader
	if method == http.MethodGet {
		if len(form) > 0 {
			target += "?" + form.Encode()
		}
	} else {
		bodyReader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, errors.ErrInternal(fmt.Sprintf("build request for %s", path)).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordGatewayRequest(path, 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Debug(ctx, "Gateway request failed", logger.String("path", path), logger.Error(err))
		return nil, errors.ErrTransport(path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordGatewayRequest(path, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		return nil, errors.ErrTransport(path, err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		span.SetStatus(codes.Error, "forbidden")
		return nil, errors.ErrDeviceNotAuthorized(fmt.Sprintf("%s returned 403", path))
	case resp.StatusCode >= 500:
		span.SetStatus(codes.Error, resp.Status)
		return nil, errors.ErrTransport(path, fmt.Errorf("unexpected status %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		span.SetStatus(codes.Error, resp.Status)
		return nil, errors.ErrRequestRejected(path, fmt.Sprintf("unexpected status %s", resp.Status))
	}
	return body, nil
}

// Dialer creates Clients sharing the same options.
type Dialer struct {
	opts Options
}

// NewDialer returns a service.GatewayDialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial binds a client to endpoint.
func (d *Dialer) Dial(endpoint models.GatewayEndpoint) (service.GatewayClient, error) {
	if endpoint.Hostname == "" || endpoint.Port <= 0 {
		return nil, errors.ErrInvalidRequest("gateway endpoint requires a hostname and port")
	}
	return NewClient(endpoint, d.opts), nil
}

var (
	_ service.GatewayClient = (*Client)(nil)
	_ service.GatewayDialer = (*Dialer)(nil)
)
