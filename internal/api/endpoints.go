package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/livesync/internal/model"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse from POST /auth/login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login exchanges credentials for an access token and installs it on the
// client.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp LoginResponse
	if err := c.post(ctx, "/auth/login", LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return "", errors.New("login: empty access token")
	}

	c.SetToken(resp.AccessToken)
	return resp.AccessToken, nil
}

// GetMessages returns up to q.Limit messages of q.RoomID created strictly
// before q.Before (latest when zero), newest first.
func (c *Client) GetMessages(ctx context.Context, q model.PageQuery) ([]model.Message, error) {
	if q.RoomID == "" {
		return nil, errors.New("room id is required")
	}

	query := url.Values{}
	query.Set("roomId", q.RoomID)
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Before.IsZero() {
		query.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	}

	var msgs []model.Message
	if err := c.get(ctx, "/messages", query, &msgs); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}
