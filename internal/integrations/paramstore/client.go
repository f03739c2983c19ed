package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Client reads decrypted SecureString parameters.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameters fetches all names in one call. Any missing or empty
// parameter fails the whole lookup.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			return nil, errors.New("paramstore: name is required")
		}
	}

	out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("paramstore: get parameters %v: %w", names, err)
	}
	if out == nil {
		return nil, errors.New("paramstore: empty response")
	}
	if len(out.InvalidParameters) > 0 {
		return nil, fmt.Errorf("paramstore: parameters not found: %s", strings.Join(out.InvalidParameters, ", "))
	}

	vals := make(map[string]string, len(out.Parameters))
	for _, p := range out.Parameters {
		if p.Name == nil || p.Value == nil {
			continue
		}
		vals[*p.Name] = *p.Value
	}
	for _, n := range names {
		if vals[n] == "" {
			return nil, fmt.Errorf("paramstore: parameter %q missing value", n)
		}
	}
	return vals, nil
}
