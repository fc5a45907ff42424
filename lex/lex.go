// Package lex is the client for the Amazon Lex runtime PostContent API. It
// consumes queries from the bus and publishes the bot's replies.
package lex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"lexmic/bus"
	"lexmic/encoder"
	"lexmic/log"
	"lexmic/metrics"
)

const (
	LatestAlias = "$LATEST"

	AudioContentType = "audio/x-l16; sample-rate=16000; channel-count=1"
	TextContentType  = "text/plain; charset=utf-8"

	serviceName = "lex"
)

var ErrBotName = errors.New("lex bot name is required")

type Settings struct {
	BotName  string
	BotAlias string
	UserID   string
	Region   string
	Endpoint string // overrides https://runtime.lex.<region>.amazonaws.com
	Timeout  time.Duration
}

// Validate fills defaults. An empty alias selects the latest bot version.
func (s Settings) Validate() (Settings, error) {
	if s.BotAlias == "" {
		log.Info("lex: no bot alias given, using the latest bot")
		s.BotAlias = LatestAlias
	}
	if s.BotName == "" {
		return s, ErrBotName
	}
	if s.UserID == "" {
		s.UserID = "lexmic"
	}
	if s.Region == "" {
		s.Region = "us-east-1"
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	return s, nil
}

func (s Settings) contentURL() string {
	base := s.Endpoint
	if base == "" {
		base = fmt.Sprintf("https://runtime.lex.%s.amazonaws.com", s.Region)
	}
	return fmt.Sprintf("%s/bot/%s/alias/%s/user/%s/content",
		strings.TrimRight(base, "/"),
		url.PathEscape(s.BotName), url.PathEscape(s.BotAlias), url.PathEscape(s.UserID))
}

// Response is the bot's reply to one query.
type Response struct {
	RecordingID     string
	IntentName      string
	DialogState     string
	Message         string
	InputTranscript string
	SlotToElicit    string
	Slots           map[string]string
	Audio           []byte
}

// Querier is anything that can answer a query.
type Querier interface {
	PostContent(ctx context.Context, q bus.Query) (*Response, error)
}

type Client struct {
	settings Settings
	creds    aws.CredentialsProvider
	signer   *v4.Signer
	http     *http.Client
	retry    RetryConfig
	metrics  *metrics.Metrics
}

type Option func(*options)

type options struct {
	creds   aws.CredentialsProvider
	http    *http.Client
	retry   RetryConfig
	metrics *metrics.Metrics
}

// WithCredentials replaces the default AWS credential chain.
func WithCredentials(p aws.CredentialsProvider) Option {
	return func(o *options) { o.creds = p }
}
func WithHTTPClient(h *http.Client) Option { return func(o *options) { o.http = h } }
func WithRetryConfig(r RetryConfig) Option { return func(o *options) { o.retry = r } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New validates s and resolves credentials through the SDK's default chain.
// Credentials are fetched lazily on the first query.
func New(ctx context.Context, s Settings, opts ...Option) (*Client, error) {
	s, err := s.Validate()
	if err != nil {
		return nil, err
	}
	o := options{retry: DefaultRetryConfig()}
	for _, fn := range opts {
		fn(&o)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if o.creds != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(o.creds))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if awsCfg.Credentials == nil {
		return nil, fmt.Errorf("no aws credentials configured")
	}

	if o.http == nil {
		o.http = &http.Client{Timeout: s.Timeout}
	}
	return &Client{
		settings: s,
		creds:    awsCfg.Credentials,
		signer:   v4.NewSigner(),
		http:     o.http,
		retry:    o.retry,
		metrics:  o.metrics,
	}, nil
}

func (c *Client) Settings() Settings { return c.settings }

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("lex returned %d: %s", e.code, e.body)
}

// PostContent sends one query. Audio queries carry the PCM samples of the
// WAV payload; text queries carry the utterance.
func (c *Client) PostContent(ctx context.Context, q bus.Query) (*Response, error) {
	body, contentType, err := requestBody(q)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	var resp *Response
	start := time.Now()
	err = WithRetry(ctx, c.retry, func(attempt int, err error) {
		log.Warnf("lex: attempt %d after %v", attempt, err)
		if c.metrics != nil {
			c.metrics.QueryRetries.Inc()
		}
	}, func() error {
		r, err := c.do(ctx, body, contentType, payloadHash)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && !IsRetryableHTTPStatus(se.code) {
				return permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if c.metrics != nil {
		c.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("posting content: %w", err)
	}
	resp.RecordingID = q.RecordingID
	return resp, nil
}

func requestBody(q bus.Query) ([]byte, string, error) {
	if q.IsText() {
		if strings.TrimSpace(q.Text) == "" {
			return nil, "", fmt.Errorf("empty text query")
		}
		return []byte(q.Text), TextContentType, nil
	}
	if len(q.Audio) < encoder.WAVHeaderSize || string(q.Audio[:4]) != "RIFF" {
		return nil, "", fmt.Errorf("audio query is not a WAV payload")
	}
	return q.Audio[encoder.WAVHeaderSize:], AudioContentType, nil
}

func (c *Client) do(ctx context.Context, body []byte, contentType, payloadHash string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.contentURL(), bytes.NewReader(body))
	if err != nil {
		return nil, permanent(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", TextContentType)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, permanent(fmt.Errorf("retrieving credentials: %w", err))
	}
	if err := c.signer.SignHTTP(ctx, creds, req, payloadHash, serviceName, c.settings.Region, time.Now()); err != nil {
		return nil, permanent(fmt.Errorf("signing request: %w", err))
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &statusError{code: httpResp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return parseResponse(httpResp.Header, data)
}

func parseResponse(h http.Header, body []byte) (*Response, error) {
	r := &Response{
		IntentName:      h.Get("x-amz-lex-intent-name"),
		DialogState:     h.Get("x-amz-lex-dialog-state"),
		Message:         h.Get("x-amz-lex-message"),
		InputTranscript: h.Get("x-amz-lex-input-transcript"),
		SlotToElicit:    h.Get("x-amz-lex-slot-to-elicit"),
		Audio:           body,
	}
	if enc := h.Get("x-amz-lex-encoded-message"); enc != "" {
		msg, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		r.Message = string(msg)
	}
	if enc := h.Get("x-amz-lex-encoded-input-transcript"); enc != "" {
		tr, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decoding transcript: %w", err)
		}
		r.InputTranscript = string(tr)
	}
	if enc := h.Get("x-amz-lex-slots"); enc != "" {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decoding slots: %w", err)
		}
		var slots map[string]*string
		if err := json.Unmarshal(raw, &slots); err != nil {
			return nil, fmt.Errorf("decoding slots: %w", err)
		}
		r.Slots = make(map[string]string, len(slots))
		for k, v := range slots {
			if v != nil {
				r.Slots[k] = *v
			}
		}
	}
	return r, nil
}
