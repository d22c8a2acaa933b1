// Package team implements the nonce-signed key-management domain API.
package team

import (
	"context"
	"crypto/rand"
	"encoding/binary"
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
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/infrastructure/gateway"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

const maxResponseBytes = 1 << 20

// Options configures a Client.
type Options struct {
	Hostname       string
	Port           int
	StrictTLS      bool
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Metrics        service.Metrics
	Logger         logger.Logger
}

// Client talks to the authorizedKeys endpoints. Every request is authorized by a
// signature over the username, a fresh nonce and the operation's fields, made with
// a local key the domain already trusts.
type Client struct {
	hostname   string
	port       int
	httpClient *http.Client
	timeout    time.Duration
	signer     service.RequestSigner
	metrics    service.Metrics
	logger     logger.Logger
	tracer     trace.Tracer
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type policyResponse struct {
	statusResponse
	Resource *models.KeyPolicy `json:"resource"`
}

// NewClient creates a client that signs its requests with signer.
func NewClient(opts Options, signer service.RequestSigner) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = service.NewNoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = gateway.NewHTTPClient(opts.StrictTLS)
	}
	return &Client{
		hostname:   opts.Hostname,
		port:       opts.Port,
		httpClient: httpClient,
		timeout:    opts.RequestTimeout,
		signer:     signer,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithComponent("team"),
		tracer:     otel.Tracer("github.com/turtacn/keyagent/team"),
	}
}

// Policy fetches the account policy. It succeeds only if signer is trusted by the domain.
func (c *Client) Policy(ctx context.Context, username string, signer *models.KeyRecord) (*models.KeyPolicy, error) {
	form, err := c.authorize(ctx, username, signer)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, constants.TeamOpPolicy, form)
	if err != nil {
		return nil, err
	}
	var resp policyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.ErrSyncFailed(string(constants.TeamOpPolicy), "response is not JSON").WithCause(err)
	}
	if !resp.Success {
		return nil, errors.ErrSyncFailed(string(constants.TeamOpPolicy), resp.Message)
	}
	if resp.Resource == nil {
		return &models.KeyPolicy{}, nil
	}
	return resp.Resource, nil
}

// AuthorizedKeys lists the keys registered for the account.
func (c *Client) AuthorizedKeys(ctx context.Context, username string, signer *models.KeyRecord) ([]models.AuthorizedKey, error) {
	form, err := c.authorize(ctx, username, signer)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, constants.TeamOpList, form)
	if err != nil {
		return nil, err
	}
	keys, rejected := models.ParseAuthorizedKeys(string(body), "")
	for _, line := range rejected {
		c.logger.Warn(ctx, "Skipping unparseable authorized key", logger.String("line", line))
	}
	return keys, nil
}

// AddKey registers key under name.
func (c *Client) AddKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error {
	return c.mutate(ctx, constants.TeamOpAdd, username, signer, name, key)
}

// RemoveKey deregisters key.
func (c *Client) RemoveKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error {
	return c.mutate(ctx, constants.TeamOpRemove, username, signer, name, key)
}

func (c *Client) mutate(ctx context.Context, op constants.TeamOperation, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error {
	pk := models.FormatPublicKey(key, "")
	form, err := c.authorize(ctx, username, signer, name, pk)
	if err != nil {
		return err
	}
	form.Set("name", name)
	form.Set("publicKey", pk)

	body, err := c.post(ctx, op, form)
	if err != nil {
		return err
	}
	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.ErrSyncFailed(string(op), "response is not JSON").WithCause(err)
	}
	if !resp.Success {
		return errors.ErrSyncFailed(string(op), resp.Message)
	}
	return nil
}

// authorize builds the common form fields. With no extra fields the signed data ends with
// the authorization key itself.
func (c *Client) authorize(ctx context.Context, username string, signer *models.KeyRecord, extra ...string) (url.Values, error) {
	if signer == nil {
		return nil, errors.ErrInvalidRequest("a signing key is required")
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, errors.ErrInternal("failed to generate nonce").WithCause(err)
	}
	authKey := models.FormatPublicKey(signer.PublicKey, "")
	if len(extra) == 0 {
		extra = []string{authKey}
	}

	sig, err := c.signer.SignRequest(ctx, signer.PublicKey, AuthorizationData(username, nonce, extra...))
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("nonce", strconv.FormatInt(nonce, 10))
	form.Set("authorizationKey", authKey)
	form.Set("authorization", crypto.EncodeSignature(sig))
	return form, nil
}

// AuthorizationData encodes the signed blob: SSH string(username), uint64(nonce), then
// each field as an SSH string.
func AuthorizationData(username string, nonce int64, fields ...string) []byte {
	buf := appendString(nil, username)
	buf = binary.BigEndian.AppendUint64(buf, uint64(nonce))
	for _, f := range fields {
		buf = appendString(buf, f)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func newNonce() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (c *Client) post(ctx context.Context, op constants.TeamOperation, form url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "team "+string(op), trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("team.host", c.hostname)))
	defer span.End()

	start := time.Now()
	body, err := c.do(ctx, op, form)
	c.metrics.RecordTeamRequest(string(op), err == nil, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return body, err
}

func (c *Client) do(ctx context.Context, op constants.TeamOperation, form url.Values) ([]byte, error) {
	target := fmt.Sprintf(constants.TeamPathFormat, c.hostname, c.port, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.ErrInternal("build team request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrTransport(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.ErrTransport(target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.ErrSyncFailed(string(op), fmt.Sprintf("%s returned %d", target, resp.StatusCode))
	}
	return body, nil
}

var _ service.KeyManagementClient = (*Client)(nil)
