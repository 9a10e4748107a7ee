// Package backupclient talks to the pg-backup sidecar that dumps and restores the database.
package backupclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultBaseURL = "http://pgbackup:8081"

type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func New(baseURL string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(5 * time.Second),
		log: log,
	}
}

func (c *Client) do(ctx context.Context, path string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	body := strings.TrimSpace(resp.String())
	if resp.IsError() {
		return "", fmt.Errorf("%s: http %d: %s", path, resp.StatusCode(), body)
	}
	c.log.Info("backup sidecar call", zap.String("path", path), zap.Duration("took", resp.Time()))
	return body, nil
}

// TriggerBackup asks the sidecar for a fresh dump and returns its reply (usually the file name).
func (c *Client) TriggerBackup(ctx context.Context) (string, error) {
	return c.do(ctx, "/cgi-bin/backup", 2*time.Minute)
}

func (c *Client) RestoreLatest(ctx context.Context) (string, error) {
	return c.do(ctx, "/cgi-bin/restore-latest", 5*time.Minute)
}
