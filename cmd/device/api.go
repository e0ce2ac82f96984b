package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type serverAPI struct {
	base string
	http *http.Client
}

func newAPI(base string) *serverAPI {
	return &serverAPI{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *serverAPI) signalURL() string {
	u := a.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/ws/signal"
}

type loginResponse struct {
	Token      string `json:"token"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	DeviceType string `json:"deviceType"`
}

func (a *serverAPI) login(ctx context.Context, username, password, deviceType string) (loginResponse, error) {
	body, err := json.Marshal(map[string]string{
		"username":   username,
		"password":   password,
		"deviceType": deviceType,
	})
	if err != nil {
		return loginResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return loginResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out loginResponse
	if err := a.do(req, &out); err != nil {
		return loginResponse{}, fmt.Errorf("login: %w", err)
	}
	return out, nil
}

func (a *serverAPI) iceServers(ctx context.Context, token string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/ice-servers", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var out struct {
		ICEServers []string `json:"iceServers"`
	}
	if err := a.do(req, &out); err != nil {
		return nil, fmt.Errorf("ice servers: %w", err)
	}
	return out.ICEServers, nil
}

func (a *serverAPI) do(req *http.Request, out any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Reason != "" {
			return fmt.Errorf("%s: %s (%s)", resp.Status, e.Error, e.Reason)
		}
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
