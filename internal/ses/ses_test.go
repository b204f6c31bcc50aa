package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-check/internal/console"
)

// mockSESClient implements AccountAPI for testing.
type mockSESClient struct {
	account    *sesv2.GetAccountOutput
	accountErr error
	identities map[string]*sesv2.GetEmailIdentityOutput
	identErr   error
	looked     []string
}

func (m *mockSESClient) GetAccount(_ context.Context, _ *sesv2.GetAccountInput, _ ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	return m.account, nil
}

func (m *mockSESClient) GetEmailIdentity(_ context.Context, params *sesv2.GetEmailIdentityInput, _ ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error) {
	id := aws.ToString(params.EmailIdentity)
	m.looked = append(m.looked, id)
	if m.identErr != nil {
		return nil, m.identErr
	}
	if out, ok := m.identities[id]; ok {
		return out, nil
	}
	return nil, &types.NotFoundException{Message: aws.String("not found")}
}

func TestSMTPPassword(t *testing.T) {
	t.Parallel()

	const secret = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"

	tests := []struct {
		region string
		want   string
	}{
		{"us-east-1", "BLBM/9hSUELfq8Gw+rU1YcBjkOxGbhT2XG763xVLGWL9"},
		{"eu-west-1", "BMW5RDrXmmVs0lV7GpI4oLkHXpZ4stDsk6q91z1g38Pk"},
	}

	for _, tt := range tests {
		got := SMTPPassword(secret, tt.region)
		if got != tt.want {
			t.Errorf("SMTPPassword(%s): got %q, want %q", tt.region, got, tt.want)
		}

		raw, err := base64.StdEncoding.DecodeString(got)
		if err != nil {
			t.Fatalf("password is not base64: %v", err)
		}
		if len(raw) != 33 || raw[0] != 0x04 {
			t.Errorf("decoded password: got %d bytes with version %#x, want 33 bytes with version 0x04", len(raw), raw[0])
		}
	}

	if SMTPPassword(secret, "us-east-1") != SMTPPassword(secret, "us-east-1") {
		t.Error("SMTPPassword should be deterministic")
	}
}

func TestHost(t *testing.T) {
	t.Parallel()
	if got := Host("eu-central-1"); got != "email-smtp.eu-central-1.amazonaws.com" {
		t.Errorf("Host: got %q", got)
	}
}

func TestDeriveSMTPCredentials(t *testing.T) {
	t.Parallel()

	provider := credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY", "")
	creds, err := DeriveSMTPCredentials(context.Background(), provider, "us-east-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Username != "AKIDEXAMPLE" {
		t.Errorf("Username: got %q, want %q", creds.Username, "AKIDEXAMPLE")
	}
	if creds.Password != "BLBM/9hSUELfq8Gw+rU1YcBjkOxGbhT2XG763xVLGWL9" {
		t.Errorf("Password: got %q", creds.Password)
	}
}

func TestDeriveSMTPCredentials_RejectsSessionToken(t *testing.T) {
	t.Parallel()

	provider := credentials.NewStaticCredentialsProvider("ASIAEXAMPLE", "secret", "session")
	if _, err := DeriveSMTPCredentials(context.Background(), provider, "us-east-1"); err == nil {
		t.Error("expected error for temporary credentials, got nil")
	}
	if _, err := DeriveSMTPCredentials(context.Background(), nil, "us-east-1"); err == nil {
		t.Error("expected error for nil provider, got nil")
	}
}

func TestAccount(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{account: &sesv2.GetAccountOutput{
		SendingEnabled:          true,
		ProductionAccessEnabled: false,
		EnforcementStatus:       aws.String("HEALTHY"),
		SendQuota: &types.SendQuota{
			Max24HourSend:   200,
			MaxSendRate:     1,
			SentLast24Hours: 3,
		},
	}}

	got, err := NewWithClient(mock).Account(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.SendingEnabled || got.ProductionAccess {
		t.Errorf("flags: got %+v", got)
	}
	if got.Max24HourSend != 200 || got.SentLast24Hours != 3 {
		t.Errorf("quota: got %+v", got)
	}
}

func TestIdentity_FallsBackToDomain(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{identities: map[string]*sesv2.GetEmailIdentityOutput{
		"example.com": {IdentityType: types.IdentityTypeDomain, VerifiedForSendingStatus: true},
	}}

	got, err := NewWithClient(mock).Identity(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Identity != "example.com" || !got.VerifiedForSending {
		t.Errorf("Identity: got %+v", got)
	}
	if len(mock.looked) != 2 || mock.looked[0] != "user@example.com" {
		t.Errorf("lookups: got %v", mock.looked)
	}
}

func TestIdentity_NotFound(t *testing.T) {
	t.Parallel()

	_, err := NewWithClient(&mockSESClient{}).Identity(context.Background(), "user@example.com")
	if err == nil {
		t.Fatal("expected error for unknown identity, got nil")
	}
	var notFound *types.NotFoundException
	if !errors.As(err, &notFound) {
		t.Errorf("error should wrap NotFoundException, got %v", err)
	}
}

func TestIdentity_APIError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{identErr: errors.New("throttled")}
	if _, err := NewWithClient(mock).Identity(context.Background(), "user@example.com"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(mock.looked) != 1 {
		t.Errorf("non-NotFound errors should stop the lookup, got %v", mock.looked)
	}
}

func TestPreflight(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()

		mock := &mockSESClient{
			account: &sesv2.GetAccountOutput{
				SendingEnabled:          true,
				ProductionAccessEnabled: true,
				SendQuota:               &types.SendQuota{Max24HourSend: 50000, MaxSendRate: 14},
			},
			identities: map[string]*sesv2.GetEmailIdentityOutput{
				"user@example.com": {VerifiedForSendingStatus: true},
			},
		}
		var buf bytes.Buffer
		if ok := NewWithClient(mock).Preflight(context.Background(), "user@example.com", console.New(&buf)); !ok {
			t.Errorf("Preflight: got false, want true\n%s", buf.String())
		}
		if !strings.Contains(buf.String(), "✓ Identity user@example.com verified for sending") {
			t.Errorf("output missing identity line:\n%s", buf.String())
		}
	})

	t.Run("sandboxed and unverified", func(t *testing.T) {
		t.Parallel()

		mock := &mockSESClient{account: &sesv2.GetAccountOutput{SendingEnabled: true}}
		var buf bytes.Buffer
		if ok := NewWithClient(mock).Preflight(context.Background(), "user@example.com", console.New(&buf)); ok {
			t.Error("Preflight: got true, want false")
		}
		out := buf.String()
		for _, want := range []string{"SES sandbox", "not a verified SES identity"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("account error", func(t *testing.T) {
		t.Parallel()

		mock := &mockSESClient{accountErr: errors.New("AccessDenied")}
		var buf bytes.Buffer
		if ok := NewWithClient(mock).Preflight(context.Background(), "user@example.com", console.New(&buf)); ok {
			t.Error("Preflight: got true, want false")
		}
		if !strings.Contains(buf.String(), "Could not read SES account") {
			t.Errorf("output:\n%s", buf.String())
		}
	})
}
