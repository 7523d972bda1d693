package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// validBedrockModelID rejects anything but the Bedrock model-id grammar
// before a client-supplied path segment is used to build the upstream URL.
var validBedrockModelID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*(:[0-9]+)?$`)

// Bedrock is the AWS Bedrock adapter. Unlike the bearer-token pass-through
// adapters, Bedrock requires the outbound request to be signed with SigV4 —
// there is no client-supplied Authorization header to forward. It implements
// RequestSigner in addition to Adapter so the hot path can sign just before
// dialing upstream.
type Bedrock struct {
	Region string
	Signer *v4.Signer
	Creds  aws.CredentialsProvider
}

// NewBedrock loads the ambient AWS credential chain for Region.
func NewBedrock(ctx context.Context, region string) (*Bedrock, error) {
	if region == "" {
		return nil, fmt.Errorf("provider: bedrock region must not be empty")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("provider: load AWS config: %w", err)
	}
	return &Bedrock{
		Region: region,
		Signer: v4.NewSigner(),
		Creds:  cfg.Credentials,
	}, nil
}

func (b *Bedrock) ID() string { return "bedrock" }

func (b *Bedrock) Matches(path string) bool {
	_, ok := StripPrefix(path, "bedrock")
	return ok
}

// Transform strips the /bedrock prefix, validates the embedded model ID,
// and rewrites the remainder onto the regional Bedrock runtime host. The
// remainder's shape (/model/{id}/invoke or
// /model/{id}/invoke-with-response-stream) is preserved unchanged —
// Bedrock's wire format uses the path as the operation name.
func (b *Bedrock) Transform(path string) (string, error) {
	rest, ok := StripPrefix(path, "bedrock")
	if !ok {
		return "", ErrInvalidPath
	}
	modelID, err := extractBedrockModelID(rest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !validBedrockModelID.MatchString(modelID) {
		return "", fmt.Errorf("%w: invalid model id %q", ErrInvalidPath, modelID)
	}
	host := fmt.Sprintf("bedrock-runtime.%s.amazonaws.com", b.Region)
	return "https://" + host + rest, nil
}

func extractBedrockModelID(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/model/")
	if trimmed == path {
		return "", fmt.Errorf("path does not start with /model/")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("empty model id in path %q", path)
	}
	return parts[0], nil
}

// IsStreaming reports whether path requests Bedrock's eventstream-framed
// streaming invocation, which the hot path must tee and decode frame by
// frame rather than forward as a flat body.
func (b *Bedrock) IsStreaming(path string) bool {
	return strings.HasSuffix(path, "/invoke-with-response-stream")
}

// ValidateAuth is a no-op for Bedrock: there is no client-forwarded
// credential to check for presence. Absence of AWS credentials surfaces at
// SignRequest time instead, as an upstream configuration failure rather
// than a client error.
func (b *Bedrock) ValidateAuth(headers http.Header) error { return nil }

// SignRequest computes the SHA-256 body hash and applies SigV4 signing.
func (b *Bedrock) SignRequest(ctx context.Context, req *http.Request, body []byte) error {
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])

	creds, err := b.Creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("provider: retrieve AWS credentials: %w", err)
	}
	if err := b.Signer.SignHTTP(ctx, creds, req, bodyHash, "bedrock", b.Region, time.Now()); err != nil {
		return fmt.Errorf("provider: sign bedrock request: %w", err)
	}
	return nil
}

func (b *Bedrock) ExtractMetadata(req *http.Request, resp *http.Response) map[string]string {
	meta := map[string]string{"provider": b.ID(), "region": b.Region}
	if req != nil {
		path := req.URL.Path
		if rest, ok := StripPrefix(path, "bedrock"); ok {
			path = rest
		}
		if modelID, err := extractBedrockModelID(path); err == nil {
			meta["model"] = modelID
		}
	}
	return meta
}

func (b *Bedrock) HealthCheck(ctx context.Context, client *http.Client) HealthStatus {
	host := fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", b.Region)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host, nil)
	if err != nil {
		return Unreachable
	}
	resp, err := client.Do(req)
	if err != nil {
		return Unreachable
	}
	defer resp.Body.Close()
	// Bedrock answers an unsigned GET with 403; any response at all means
	// the regional endpoint resolved and is listening.
	if resp.StatusCode < 500 {
		return Healthy
	}
	return Degraded
}
