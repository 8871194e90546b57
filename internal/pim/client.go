// Package pim is the client of the product catalog API: sign-in, product scroll and picture upload.
package pim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/httpclient"
	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
	"github.com/Father1993/PIM-Image-Management/internal/telemetry"
)

// envelope is the wrapper of every catalog API response
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type signInRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type signInData struct {
	Access struct {
		Token string `json:"token"`
	} `json:"access"`
}

// Client talks to the catalog API. One Client, and so one token, is shared by all workers.
type Client struct {
	baseURL  string
	login    string
	password string
	http     httpclient.Client
	timeout  time.Duration
	tokens   *TokenSource
}

// Options configures a Client
type Options struct {
	BaseURL     string
	Login       string
	Password    string
	Timeout     time.Duration
	TokenTTL    time.Duration
	RefreshSkew time.Duration
	HTTPClient  httpclient.Client
	Metrics     *telemetry.PipelineMetrics
}

// NewClient creates a catalog client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultPIMTimeout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = config.DefaultTokenTTL
	}
	if opts.RefreshSkew < 0 {
		opts.RefreshSkew = config.DefaultRefreshSkew
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httpclient.NewDefaultClient(opts.Timeout)
	}

	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		login:    opts.Login,
		password: opts.Password,
		http:     opts.HTTPClient,
		timeout:  opts.Timeout,
	}
	c.tokens = NewTokenSource(c.SignIn, opts.TokenTTL, opts.RefreshSkew, opts.Metrics)
	return c
}

// NewClientFromConfig creates a catalog client from configuration
func NewClientFromConfig(cfg *config.PIMConfig, metrics *telemetry.PipelineMetrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, syncerr.Configf("PIM base URL is required")
	}
	if cfg.Login == "" {
		return nil, syncerr.Configf("PIM login is required")
	}
	password, err := cfg.GetPassword()
	if err != nil {
		return nil, syncerr.Configf("PIM password: %v", err)
	}
	return NewClient(Options{
		BaseURL:     cfg.BaseURL,
		Login:       cfg.Login,
		Password:    password,
		Timeout:     cfg.GetTimeout(),
		TokenTTL:    cfg.GetTokenTTL(),
		RefreshSkew: cfg.GetRefreshSkew(),
		Metrics:     metrics,
	}), nil
}

// Tokens returns the client's token source
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// SignIn exchanges the credentials for a new token value
func (c *Client) SignIn(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(signInRequest{Login: c.login, Password: c.password, Remember: true})
	if err != nil {
		return "", fmt.Errorf("failed to encode sign-in request: %w", err)
	}
	target := c.baseURL + "/sign-in/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", syncerr.New(syncerr.KindConfiguration, "sign-in", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", syncerr.Wrap("sign-in", err)
	}
	if !resp.IsSuccess() {
		return "", syncerr.FromStatus("sign-in", resp.StatusCode, httpclient.StatusError(resp, target))
	}

	var data signInData
	if err := decodeEnvelope(resp.Body, &data); err != nil {
		return "", syncerr.New(syncerr.KindData, "sign-in", err)
	}
	if data.Access.Token == "" {
		return "", syncerr.Newf(syncerr.KindData, "sign-in", "response carries no token")
	}
	return data.Access.Token, nil
}

// Upload sends blob as the picture of rec's product. Main images replace the product's main
// picture, additional images are appended. A 401 triggers one token refresh and one retry.
func (c *Client) Upload(ctx context.Context, rec *records.ImageRecord, blob *imgproxy.Blob) error {
	if blob == nil || len(blob.Data) == 0 {
		return syncerr.Newf(syncerr.KindData, "upload", "no image data for %s", rec.ID())
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := multipartBody(rec.OptimizedName(), blob)
	if err != nil {
		return syncerr.New(syncerr.KindData, "upload", err)
	}
	target := c.uploadURL(rec)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, target, token.Value, body, contentType)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		token, err = c.tokens.Refresh(ctx, token.Value)
		if err != nil {
			return err
		}
		if resp, err = c.post(ctx, target, token.Value, body, contentType); err != nil {
			return err
		}
	}

	if !resp.IsSuccess() {
		return syncerr.FromStatus("upload", resp.StatusCode, httpclient.StatusError(resp, target))
	}
	if err := checkEnvelope(resp.Body); err != nil {
		return syncerr.New(syncerr.KindData, "upload", err)
	}
	return nil
}

func (c *Client) uploadURL(rec *records.ImageRecord) string {
	endpoint := "upload-picture"
	if rec.ImageType == records.ImageTypeMain {
		endpoint = "upload-main-picture"
	}
	return fmt.Sprintf("%s/product/%d/%s", c.baseURL, rec.ProductID, endpoint)
}

func (c *Client) post(ctx context.Context, target, token string, body []byte, contentType string) (*httpclient.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "upload", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.Wrap("upload", err)
	}
	return resp, nil
}

func multipartBody(filename string, blob *imgproxy.Blob) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", blob.ContentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(blob.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// checkEnvelope rejects a response that explicitly reports success:false.
// Bodies that are not an envelope are accepted on the strength of the status code.
func checkEnvelope(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if env.Success != nil && !*env.Success {
		if env.Message != "" {
			return fmt.Errorf("catalog rejected the request: %s", env.Message)
		}
		return fmt.Errorf("catalog rejected the request")
	}
	return nil
}

// decodeEnvelope requires success:true and decodes data into out
func decodeEnvelope(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Success == nil || !*env.Success {
		return fmt.Errorf("catalog reported failure: %s", env.Message)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
