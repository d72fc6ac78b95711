package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

const bearerScheme = "Bearer"

// Sender issues one request built on the fresh *resty.Request it receives.
// Do may call it twice, so it must not capture a request of its own.
type Sender func(req *resty.Request) (*resty.Response, error)

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// Do sends the request and, on 401 Unauthorized, trades the challenge for a
// bearer token and sends it again with the token attached. The second
// response is final, whatever its status.
func (c *Client) Do(ctx context.Context, send Sender) (*resty.Response, error) {
	resp, err := send(c.http.R().SetContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	token, err := c.exchange(ctx, resp.Header().Get("Www-Authenticate"))
	if err != nil {
		return nil, err
	}
	return send(c.http.R().SetContext(ctx).SetAuthScheme(bearerScheme).SetAuthToken(token))
}

func (c *Client) exchange(ctx context.Context, header string) (string, error) {
	challenge, err := ParseChallenge(header)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(challenge.Scheme, bearerScheme) {
		return "", fmt.Errorf("%w: %q", ErrAuthSchemeUnsupported, challenge.Scheme)
	}
	realm, ok := challenge.Get("realm")
	if !ok || realm == "" {
		return "", fmt.Errorf("%w: challenge %q has no realm", ErrTokenExchangeFailed, header)
	}

	req := c.http.R().SetContext(ctx)
	for _, p := range challenge.Params {
		if !strings.EqualFold(p.Key, "realm") {
			req.SetQueryParam(p.Key, p.Value)
		}
	}
	if c.account != nil {
		req = req.
			SetQueryParam("account", c.account.Username).
			SetBasicAuth(c.account.Username, c.account.Password)
	}

	c.log.Debug().Str("realm", realm).Msg("requesting bearer token")
	resp, err := req.Get(realm)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("%w: %s returned %d", ErrTokenExchangeFailed, realm, resp.StatusCode())
	}
	var content tokenResponse
	if err := json.Unmarshal(resp.Body(), &content); err != nil {
		return "", fmt.Errorf("%w: decoding response from %s: %v", ErrTokenExchangeFailed, realm, err)
	}
	token := content.Token
	if token == "" {
		token = content.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("%w: response from %s has no token", ErrTokenExchangeFailed, realm)
	}
	return token, nil
}

// discard closes a response body left open by SetDoNotParseResponse.
func discard(resp *resty.Response) {
	if body := resp.RawBody(); body != nil {
		_ = body.Close()
	}
}
