package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

const cnocrWelcome = "Welcome to CnOCR Server!"

// ClientConfig configures the cnocr HTTP client.
type ClientConfig struct {
	Server   string        `mapstructure:"server"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// DefaultClientConfig returns the settings for a cnocr server on localhost.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Server:   "http://127.0.0.1:8501",
		Timeout:  30 * time.Second,
		Attempts: 3,
		Delay:    500 * time.Millisecond,
	}
}

// Validate checks the configuration
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("cnocr server must be an absolute URL, got '%s'", c.Server)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("cnocr timeout must be positive")
	}
	if c.Attempts == 0 {
		return fmt.Errorf("cnocr attempts must be at least 1")
	}
	return nil
}

// Client talks to a cnocr server.
type Client struct {
	config *ClientConfig
	http   *http.Client
	logger logger.Logger
}

// NewClient creates a cnocr client
func NewClient(config *ClientConfig, log logger.Logger) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "cnocr", config.Server, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: log.WithComponent("cnocr"),
	}, nil
}

type cnocrResponse struct {
	StatusCode int          `json:"status_code"`
	Results    []cnocrBlock `json:"results"`
}

type cnocrBlock struct {
	Text     string       `json:"text"`
	Score    float64      `json:"score"`
	Position [][2]float64 `json:"position"`
}

func (b cnocrBlock) block() Block {
	out := Block{Text: b.Text, Score: b.Score}
	for i := 0; i < len(b.Position) && i < len(out.Position); i++ {
		out.Position[i] = Point{X: b.Position[i][0], Y: b.Position[i][1]}
	}
	return out
}

// statusError is a non-2xx reply from the server.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("cnocr returned HTTP %d: %s", e.code, e.body)
}

// transient reports whether a failed call is worth repeating.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Recognize posts an image to /ocr and returns the recognized blocks in
// reading order. Rate limiting, server errors and network failures are retried.
func (c *Client) Recognize(ctx context.Context, image []byte, filename string) ([]Block, error) {
	if filename == "" {
		filename = "image.png"
	}
	endpoint := strings.TrimSuffix(c.config.Server, "/") + "/ocr"

	var resp cnocrResponse
	err := retry.Do(
		func() error {
			body, contentType, err := imageForm(image, filename)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", contentType)
			return c.do(req, &resp)
		},
		retry.Context(ctx),
		retry.RetryIf(transient),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.WithError(err).WithField("attempt", n+1).Warn("cnocr request failed, will retry")
		}),
	)
	if err != nil {
		code := errors.CodeRecognitionFailed
		if transient(err) {
			code = errors.CodeServiceUnavailable
		}
		return nil, errors.OCRError(code, endpoint, err)
	}

	blocks := make([]Block, 0, len(resp.Results))
	for _, r := range resp.Results {
		blocks = append(blocks, r.block())
	}
	c.logger.WithField("blocks", len(blocks)).Debug("Recognized screenshot")
	return blocks, nil
}

// Status reports whether the server answers its welcome message.
func (c *Client) Status(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.config.Server, "/")+"/", nil)
	if err != nil {
		return false
	}
	var welcome struct {
		Message string `json:"message"`
	}
	if err := c.do(req, &welcome); err != nil {
		c.logger.WithError(err).Debug("cnocr status check failed")
		return false
	}
	return welcome.Message == cnocrWelcome
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding cnocr response: %w", err)
	}
	return nil
}

func imageForm(image []byte, filename string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
