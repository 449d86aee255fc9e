// Package pinata pins files to IPFS through the Pinata pinning API.
package pinata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danmuck/seedmint/internal/backend"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	Name             = "pinata"
	DefaultAPIURL    = "https://api.pinata.cloud"
	DefaultGateway   = "ipfs://"
	pinFileEndpoint  = "/pinning/pinFileToIPFS"
	maxResponseBytes = 1 << 20
)

var (
	ErrMissingJWT = errors.New("pinata: jwt required")
	ErrMissingCID = errors.New("pinata: response carried no IpfsHash")
	ErrRejected   = errors.New("pinata: request rejected")
)

type Config struct {
	APIURL string
	JWT    string
	// GatewayURL prefixes the returned content identifier.
	GatewayURL string
	Timeout    time.Duration
}

type Uploader struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) (*Uploader, error) {
	if strings.TrimSpace(cfg.JWT) == "" {
		return nil, ErrMissingJWT
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGateway
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Uploader{cfg: cfg, client: client}, nil
}

func (u *Uploader) Name() string { return Name }

// Upload pins data with key as its display name. Pinning identical bytes
// yields the same CID, so repeats are harmless.
func (u *Uploader) Upload(ctx context.Context, data []byte, key string) (string, error) {
	body, contentType, err := encodeForm(data, key)
	if err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	endpoint := strings.TrimRight(u.cfg.APIURL, "/") + pinFileEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+u.cfg.JWT)

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &backend.UploadError{
			Backend: Name,
			Key:     key,
			Cause:   fmt.Errorf("%w: status=%d body=%q", ErrRejected, resp.StatusCode, truncate(raw, 256)),
		}
	}
	cid := gjson.GetBytes(raw, "IpfsHash").String()
	if cid == "" {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: ErrMissingCID}
	}
	log.Debug().
		Str("key", key).
		Str("cid", cid).
		Bool("duplicate", gjson.GetBytes(raw, "isDuplicate").Bool()).
		Dur("duration", time.Since(start)).
		Msg("pinata.Uploader.Upload ok")
	return u.Location(cid), nil
}

func (u *Uploader) Location(cid string) string {
	gw := u.cfg.GatewayURL
	if strings.HasSuffix(gw, "://") || strings.HasSuffix(gw, "/") {
		return gw + cid
	}
	return gw + "/" + cid
}

func encodeForm(data []byte, key string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", path.Base(key))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	meta, err := sjson.Set(`{}`, "name", key)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("pinataMetadata", meta); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ backend.Uploader = (*Uploader)(nil)
