package invoker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/canonical"
)

const (
	bedrockService         = "bedrock"
	bedrockHostPattern     = "https://bedrock-runtime.%s.amazonaws.com"
	bedrockAnthropicVer    = "bedrock-2023-05-31"
	defaultBedrockRegion   = "us-east-1"
	bedrockInvokeSuffix    = "/invoke"
	bedrockModelPathPrefix = "/model/"
)

// BedrockConfig configures a BedrockInvoker.
type BedrockConfig struct {
	Name   string
	Region string
	// Models lists the Bedrock model ids served, e.g.
	// anthropic.claude-3-5-sonnet-20241022-v2:0.
	Models []string
	// Endpoint overrides the regional runtime URL.
	Endpoint string
	// Credentials overrides the default AWS credential chain.
	Credentials aws.CredentialsProvider
	Timeout     time.Duration
	// Base is the transport under the signer. nil uses http.DefaultTransport.
	Base http.RoundTripper
}

// BedrockInvoker calls Anthropic models through Bedrock InvokeModel.
// Bedrock streaming is served from a completed response.
type BedrockInvoker struct {
	cfg     BedrockConfig
	adapter adapters.Adapter
	client  *http.Client
}

// NewBedrockInvoker loads credentials (unless given) and builds the signing
// client.
func NewBedrockInvoker(ctx context.Context, cfg BedrockConfig) (*BedrockInvoker, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf(bedrockHostPattern, cfg.Region)
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("upstream %q: bedrock requires an explicit models list", cfg.Name)
	}

	if cfg.Credentials == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
			return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
		}
		cfg.Credentials = awsCfg.Credentials
	}

	transport := newSigningTransport(cfg.Credentials, cfg.Region, cfg.Base)
	log.Info().Str("region", cfg.Region).Int("models", len(cfg.Models)).Msg("bedrock upstream configured")
	return &BedrockInvoker{
		cfg:     cfg,
		adapter: adapters.NewAnthropicAdapter(),
		client:  &http.Client{Transport: transport},
	}, nil
}

// Models returns the configured model ids.
func (b *BedrockInvoker) Models(context.Context) ([]string, error) {
	return append([]string(nil), b.cfg.Models...), nil
}

// Complete invokes the model once.
func (b *BedrockInvoker) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	wireReq := *req
	wireReq.Stream = false
	body, err := b.adapter.EncodeRequest(&wireReq)
	if err != nil {
		return nil, canonical.Internal(fmt.Errorf("%s: encode request: %w", b.cfg.Name, err))
	}
	// InvokeModel carries the model in the path and the version in the body.
	body, _ = sjson.DeleteBytes(body, "model")
	body, _ = sjson.DeleteBytes(body, "stream")
	body, err = sjson.SetBytes(body, "anthropic_version", bedrockAnthropicVer)
	if err != nil {
		return nil, canonical.Internal(fmt.Errorf("%s: patch request: %w", b.cfg.Name, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+InvokePath(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, canonical.Internal(fmt.Errorf("%s: build request: %w", b.cfg.Name, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, failure(b.cfg.Name, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, failure(b.cfg.Name, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError(b.cfg.Name, resp.StatusCode, respBody)
	}

	out, err := b.adapter.DecodeResponse(respBody)
	if err != nil {
		return nil, failure(b.cfg.Name, err)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

// Stream completes the request and replays it as deltas.
func (b *BedrockInvoker) Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Delta, error) {
	resp, err := b.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return streamResponse(resp), nil
}

// InvokePath builds the InvokeModel path for a model id.
func InvokePath(modelID string) string {
	return bedrockModelPathPrefix + url.PathEscape(modelID) + bedrockInvokeSuffix
}

// ModelFromPath extracts the model id from a Bedrock runtime path.
// Path format: /model/{modelId}/invoke or /model/{modelId}/invoke-with-response-stream
func ModelFromPath(path string) string {
	idx := strings.Index(path, bedrockModelPathPrefix)
	if idx == -1 {
		return ""
	}
	rest := path[idx+len(bedrockModelPathPrefix):]
	if slash := strings.Index(rest, "/"); slash != -1 {
		rest = rest[:slash]
	}
	if id, err := url.PathUnescape(rest); err == nil {
		return id
	}
	return rest
}

// =============================================================================
// SIGV4 TRANSPORT
// =============================================================================

// signingTransport signs every request with SigV4 for bedrock-runtime.
type signingTransport struct {
	credentials aws.CredentialsProvider
	region      string
	signer      *v4.Signer
	base        http.RoundTripper
	now         func() time.Time
}

func newSigningTransport(creds aws.CredentialsProvider, region string, base http.RoundTripper) *signingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &signingTransport{
		credentials: creds,
		region:      region,
		signer:      v4.NewSigner(),
		base:        base,
		now:         time.Now,
	}
}

// RoundTrip signs a clone of req and sends it.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body for signing: %w", err)
		}
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))

	creds, err := t.credentials.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	payloadHash := fmt.Sprintf("%x", sha256.Sum256(body))
	if err := t.signer.SignHTTP(req.Context(), creds, signed, payloadHash, bedrockService, t.region, t.now()); err != nil {
		return nil, fmt.Errorf("failed to sign Bedrock request for %s: %w", ModelFromPath(req.URL.Path), err)
	}
	return t.base.RoundTrip(signed)
}
