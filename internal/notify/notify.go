// Package notify pushes plain-text messages to an ntfy-style endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SendBundleFinalized announces a finished capture bundle.
func SendBundleFinalized(ctx context.Context, client *http.Client, endpoint string, taskID int64, bundleDir string) error {
	msg := fmt.Sprintf("capture session for task %d finalized, bundle at %s", taskID, bundleDir)
	return Send(ctx, client, endpoint, msg)
}

// Send posts message to endpoint. A nil client uses http.DefaultClient.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("notification endpoint is empty")
	}

	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
