// Package telegram is a minimal Bot API client covering the calls the
// notifier needs: getMe, sendMessage and sendPhoto.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/stockwatch/pkg/window"
)

const (
	// DefaultBaseURL is the public Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"
	// CaptionLimit is the maximum photo caption length in characters.
	CaptionLimit = 1024
	// MessageLimit is the maximum text message length in characters.
	MessageLimit = 4096

	maxResponseSize = 1 << 20
)

// ErrUnauthorized matches an *APIError carrying HTTP 401, which means the bot
// token was rejected.
var ErrUnauthorized = errors.New("telegram: unauthorized")

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	Code        int
	Description string
	// RetryAfter is set when the API asked the client to back off.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %s)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Is reports whether target is ErrUnauthorized and the call failed with 401.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	Token   string
	BaseURL string
	// SendsPerMinute throttles outbound messages per chat. Zero disables it.
	SendsPerMinute int
}

// User is the bot identity returned by GetMe.
type User struct {
	ID        int64
	IsBot     bool
	FirstName string
	Username  string
}

// Client calls the Bot API.
type Client struct {
	token   string
	base    string
	http    Doer
	limiter *window.Limiter
	lg      *zap.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, client Doer, lg *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		token:   cfg.Token,
		base:    base,
		http:    client,
		limiter: window.New(window.Config{Max: cfg.SendsPerMinute, Window: time.Minute}),
		lg:      lg,
	}, nil
}

// StartCleanup drops idle per-chat throttle state until ctx is done.
func (c *Client) StartCleanup(ctx context.Context) {
	c.limiter.StartCleanup(ctx)
}

// NewHTTPClient returns an otelhttp-instrumented client for the Bot API.
func NewHTTPClient(timeout time.Duration, opts ...otelhttp.Option) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
	}
}

// GetMe returns the bot identity; it doubles as a token check.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", nil, func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				u.ID, err = d.Int64()
			case "is_bot":
				u.IsBot, err = d.Bool()
			case "first_name":
				u.FirstName, err = d.Str()
			case "username":
				u.Username, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	return u, err
}

// SendText posts an HTML-formatted message to chatID.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	if err := c.limiter.Wait(ctx, chatID); err != nil {
		return errors.Wrap(err, "throttle")
	}
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("chat_id")
	e.Str(chatID)
	e.FieldStart("text")
	e.Str(text)
	e.FieldStart("parse_mode")
	e.Str("HTML")
	e.ObjEnd()
	return c.call(ctx, "sendMessage", e.Bytes(), nil)
}

// SendPhoto posts the image at photoURL with an HTML caption to chatID.
func (c *Client) SendPhoto(ctx context.Context, chatID, photoURL, caption string) error {
	if err := c.limiter.Wait(ctx, chatID); err != nil {
		return errors.Wrap(err, "throttle")
	}
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("chat_id")
	e.Str(chatID)
	e.FieldStart("photo")
	e.Str(photoURL)
	e.FieldStart("caption")
	e.Str(caption)
	e.FieldStart("parse_mode")
	e.Str("HTML")
	e.ObjEnd()
	return c.call(ctx, "sendPhoto", e.Bytes(), nil)
}

// call performs one Bot API method. result, when non-nil, decodes the
// "result" field of a successful response.
func (c *Client) call(ctx context.Context, method string, body []byte, result func(d *jx.Decoder) error) error {
	endpoint := c.base + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(redact(err), "build %s request", method)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(redact(err), "telegram %s", method)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrapf(err, "read %s response", method)
	}

	env, err := decodeEnvelope(data, result)
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Method: method, Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return errors.Wrapf(err, "decode %s response", method)
	}
	if !env.ok {
		code := env.code
		if code == 0 {
			code = resp.StatusCode
		}
		apiErr := &APIError{Method: method, Code: code, Description: env.description}
		if env.retryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.retryAfter) * time.Second
		}
		return apiErr
	}
	c.lg.Debug("Telegram call succeeded", zap.String("method", method))
	return nil
}

type envelope struct {
	ok          bool
	code        int
	description string
	retryAfter  int
}

func decodeEnvelope(data []byte, result func(d *jx.Decoder) error) (envelope, error) {
	var env envelope
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "ok":
			env.ok, err = d.Bool()
		case "error_code":
			env.code, err = d.Int()
		case "description":
			env.description, err = d.Str()
		case "parameters":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				if key == "retry_after" {
					var err error
					env.retryAfter, err = d.Int()
					return err
				}
				return d.Skip()
			})
		case "result":
			if result != nil {
				err = result(d)
			} else {
				err = d.Skip()
			}
		default:
			err = d.Skip()
		}
		return err
	})
	return env, err
}

// redact strips the request URL, which embeds the bot token, from transport
// errors.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return errors.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}
