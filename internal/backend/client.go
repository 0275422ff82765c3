// Package backend talks to the MASH API service that hands out magic
// numbers, generates categories and computes results.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/pogpog/mash-game/internal/mash"
)

// FallbackDetail is reported when a failed response carries no usable
// detail message.
const FallbackDetail = "Failed to generate options"

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	cfg    Config
	client *resty.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base url cannot be empty")
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &Client{
		cfg:    cfg,
		client: client,
	}, nil
}

// MagicNumber fetches a fresh random magic number.
func (c *Client) MagicNumber(ctx context.Context) (int, error) {
	var out magicNumberResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/magic_number")
	if err != nil {
		return 0, fmt.Errorf("get magic number: %w", err)
	}
	if resp.IsError() {
		log.Debug().Int("status", resp.StatusCode()).Str("body", resp.String()).Msg("magic-number non-2xx")
		return 0, apiError(resp, http.StatusText(resp.StatusCode()))
	}
	if out.MagicNumber == nil {
		return 0, errors.New("magic-number response missing magic_number")
	}

	return *out.MagicNumber, nil
}

// GenerateOptions asks the backend for category names matching a theme.
// A non-2xx response is returned as *APIError carrying the server's detail
// message, or FallbackDetail when there is none.
func (c *Client) GenerateOptions(ctx context.Context, req GenerateRequest) ([]string, error) {
	var out generateResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/generate_options")
	if err != nil {
		return nil, fmt.Errorf("generate options: %w", err)
	}
	if resp.IsError() {
		log.Debug().Int("status", resp.StatusCode()).Str("body", resp.String()).Msg("generate-options non-2xx")
		return nil, apiError(resp, FallbackDetail)
	}
	if out.Options == nil {
		return nil, errors.New("generate-options response missing options")
	}

	return out.Options, nil
}

// Play submits the filled-in board and returns the backend's picks in the
// order it listed them.
func (c *Client) Play(ctx context.Context, req PlayRequest) (mash.Results, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/api/play")
	if err != nil {
		return nil, fmt.Errorf("play: %w", err)
	}
	if resp.IsError() {
		log.Debug().Int("status", resp.StatusCode()).Str("body", resp.String()).Msg("play non-2xx")
		return nil, apiError(resp, http.StatusText(resp.StatusCode()))
	}

	return parseResults(resp.Body())
}

func parseResults(body []byte) (mash.Results, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("play response is not valid json")
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, fmt.Errorf("play response is %s, not an object", doc.Type)
	}

	results := mash.Results{}
	doc.ForEach(func(key, value gjson.Result) bool {
		results = append(results, mash.Result{
			Category: key.String(),
			Option:   value.String(),
		})
		return true
	})

	return results, nil
}

// apiError reads the server's detail string, using fallback when the body
// carries none.
func apiError(resp *resty.Response, fallback string) *APIError {
	detail := gjson.GetBytes(resp.Body(), "detail")

	e := &APIError{
		Status: resp.StatusCode(),
		Detail: fallback,
	}
	if detail.Type == gjson.String && detail.Str != "" {
		e.Detail = detail.Str
	}

	return e
}
