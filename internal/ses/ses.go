// Package ses derives Amazon SES SMTP credentials from AWS access keys and
// checks the account's sending status through the SES v2 API.
package ses

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SMTPPort is the STARTTLS submission port of the SES SMTP endpoint.
const SMTPPort = 587

// Constants of the SES SMTP password derivation.
const (
	signingDate     = "11111111"
	signingService  = "ses"
	signingTerminal = "aws4_request"
	signingMessage  = "SendRawEmail"
	signingVersion  = 0x04
)

// Config holds the AWS settings used to reach SES.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SMTPCredentials is a username/password pair for the SES SMTP endpoint.
type SMTPCredentials struct {
	Username string
	Password string
}

// AccountAPI is the subset of the SES v2 client used by the preflight.
// Used for testing with mock implementations.
type AccountAPI interface {
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
	GetEmailIdentity(ctx context.Context, params *sesv2.GetEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error)
}

// Host returns the SES SMTP endpoint for region.
func Host(region string) string {
	return fmt.Sprintf("email-smtp.%s.amazonaws.com", region)
}

// SMTPPassword converts an IAM secret access key into the SES SMTP password
// for region.
func SMTPPassword(secretAccessKey, region string) string {
	sig := sign([]byte("AWS4"+secretAccessKey), signingDate)
	sig = sign(sig, region)
	sig = sign(sig, signingService)
	sig = sign(sig, signingTerminal)
	sig = sign(sig, signingMessage)

	out := make([]byte, 0, len(sig)+1)
	out = append(out, signingVersion)
	out = append(out, sig...)
	return base64.StdEncoding.EncodeToString(out)
}

func sign(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// LoadAWSConfig resolves AWS configuration, preferring static keys and
// falling back to the default credential chain.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// DeriveSMTPCredentials retrieves AWS credentials from provider and converts
// them to SES SMTP credentials. Temporary credentials are rejected because
// SES SMTP does not accept session tokens.
func DeriveSMTPCredentials(ctx context.Context, provider aws.CredentialsProvider, region string) (SMTPCredentials, error) {
	if provider == nil {
		return SMTPCredentials{}, errors.New("no AWS credentials configured")
	}
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return SMTPCredentials{}, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	if creds.SessionToken != "" {
		return SMTPCredentials{}, errors.New("temporary AWS credentials cannot be used for SES SMTP; use an IAM user access key")
	}
	return SMTPCredentials{
		Username: creds.AccessKeyID,
		Password: SMTPPassword(creds.SecretAccessKey, region),
	}, nil
}

// AccountStatus summarizes GetAccount.
type AccountStatus struct {
	SendingEnabled    bool
	ProductionAccess  bool
	EnforcementStatus string
	Max24HourSend     float64
	MaxSendRate       float64
	SentLast24Hours   float64
}

// IdentityStatus summarizes GetEmailIdentity.
type IdentityStatus struct {
	Identity           string
	Type               string
	VerifiedForSending bool
}

// Client runs the SES preflight checks.
type Client struct {
	api AccountAPI
}

// New creates a Client from cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{api: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a Client with a custom API, used for testing.
func NewWithClient(api AccountAPI) *Client {
	return &Client{api: api}
}

// Account returns the account's sending status and quota.
func (c *Client) Account(ctx context.Context) (*AccountStatus, error) {
	out, err := c.api.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return nil, fmt.Errorf("GetAccount failed: %w", err)
	}

	status := &AccountStatus{
		SendingEnabled:    out.SendingEnabled,
		ProductionAccess:  out.ProductionAccessEnabled,
		EnforcementStatus: aws.ToString(out.EnforcementStatus),
	}
	if q := out.SendQuota; q != nil {
		status.Max24HourSend = q.Max24HourSend
		status.MaxSendRate = q.MaxSendRate
		status.SentLast24Hours = q.SentLast24Hours
	}
	return status, nil
}

// Identity looks up the verification status of address. If the address
// itself is not an identity, its domain is tried.
func (c *Client) Identity(ctx context.Context, address string) (*IdentityStatus, error) {
	candidates := []string{address}
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		candidates = append(candidates, address[i+1:])
	}

	var lastErr error
	for _, identity := range candidates {
		out, err := c.api.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{
			EmailIdentity: aws.String(identity),
		})
		if err != nil {
			var notFound *types.NotFoundException
			if errors.As(err, &notFound) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("GetEmailIdentity failed: %w", err)
		}
		return &IdentityStatus{
			Identity:           identity,
			Type:               string(out.IdentityType),
			VerifiedForSending: out.VerifiedForSendingStatus,
		}, nil
	}
	return nil, fmt.Errorf("identity %q is not configured in SES: %w", address, lastErr)
}
