// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"net/http"
	"time"

	"github.com/mobiletoly/go-timelimit/syncserver"
)

// Register enrolls a device with the server. With a familyToken the device
// joins the family the token belongs to, otherwise a new family is created.
func Register(ctx context.Context, httpClient *http.Client, baseURL, familyToken string, req *syncserver.RegisterRequest) (*syncserver.RegisterResponse, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		BaseURL: baseURL,
		HTTP:    httpClient,
		Token:   func(context.Context) (string, error) { return familyToken, nil },
	}
	var resp syncserver.RegisterResponse
	if err := c.postJSON(ctx, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
