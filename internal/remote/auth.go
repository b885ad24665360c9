package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type tokenData struct {
	AccessToken string `json:"access_token"`
}

func decodeToken(resp Response) (string, error) {
	var td tokenData
	if err := json.Unmarshal(resp.Data, &td); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	if td.AccessToken == "" {
		return "", errors.New("response carried no access token")
	}
	return td.AccessToken, nil
}

// Refresh exchanges the current bearer token for a new one.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	resp, err := c.Post(ctx, EndpointRefresh, struct{}{})
	if err != nil {
		return "", err
	}
	return decodeToken(resp)
}

// Login signs in with a username and password and returns the access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	resp, err := c.Post(ctx, EndpointLogin, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	return decodeToken(resp)
}

// Register creates an account and returns the access token for it.
func (c *Client) Register(ctx context.Context, username, email, password string) (string, error) {
	resp, err := c.Post(ctx, EndpointRegister, map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	return decodeToken(resp)
}
