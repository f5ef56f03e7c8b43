package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"chatbridge/pkg/httpx"
)

// APIError is an error object returned by the VK API.
type APIError struct {
	Method string
	Code   int    `json:"error_code"`
	Msg    string `json:"error_msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk %s: error %d: %s", e.Method, e.Code, e.Msg)
}

// VK error codes meaning the recipient cannot be messaged.
var recipientErrorCodes = map[int]struct{}{
	7:   {}, // permission denied
	900: {}, // blacklisted
	901: {}, // no permission to message this user
	902: {}, // privacy settings
	936: {}, // contact not found
}

func (e *APIError) recipientRejected() bool {
	_, ok := recipientErrorCodes[e.Code]
	return ok
}

// call invokes an API method with form parameters and decodes "response" into out.
func (a *Adapter) call(ctx context.Context, method string, params url.Values, out any, retry httpx.Retry) error {
	params.Set("access_token", a.cfg.AccessToken)
	params.Set("v", a.cfg.APIVersion)
	body := params.Encode()

	resp, err := retry.Do(ctx, a.http, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+method, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, a.log)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := httpx.CheckStatus("vk "+method, resp); err != nil {
		return err
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
		Error    *APIError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode vk %s: %w", method, err)
	}
	if envelope.Error != nil {
		envelope.Error.Method = method
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if len(envelope.Response) == 0 {
		return errors.New("vk " + method + ": empty response")
	}
	if err := json.Unmarshal(envelope.Response, out); err != nil {
		return fmt.Errorf("decode vk %s response: %w", method, err)
	}

	return nil
}

// Profile is the subset of users.get the gateway stores on contacts.
type Profile struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ScreenName string `json:"screen_name"`
	BDate      string `json:"bdate"`
	City       *struct {
		Title string `json:"title"`
	} `json:"city"`
}

func (p Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func (a *Adapter) userProfile(ctx context.Context, userID string) (Profile, error) {
	var profiles []Profile
	params := url.Values{"user_ids": {userID}, "fields": {"screen_name,bdate,city"}}
	if err := a.call(ctx, "users.get", params, &profiles, httpx.DefaultRetry); err != nil {
		return Profile{}, err
	}
	if len(profiles) == 0 {
		return Profile{}, fmt.Errorf("vk users.get: user %s not found", userID)
	}
	return profiles[0], nil
}
