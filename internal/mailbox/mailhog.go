package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"example.com/backoffice/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MailHogClient polls the MailHog HTTP API (v2 for reads, v1 for deletes).
type MailHogClient struct {
	apiURL     string
	httpClient *http.Client
}

// NewMailHogClient creates a MailHog provider client with a fixed fetch
// timeout; a slow mailbox is treated as a fetch failure for that cycle.
func NewMailHogClient(cfg config.MailboxConfig) *MailHogClient {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MailHogClient{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchMessages retrieves the current message list.
func (c *MailHogClient) FetchMessages(ctx context.Context) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/messages", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build mailbox fetch request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "mailbox fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("mailbox fetch returned status %d", resp.StatusCode)
	}

	var payload struct {
		Items []Message `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode mailbox response")
	}
	return payload.Items, nil
}

// DeleteMessage removes a message from the mailbox. The v1 API owns deletes.
func (c *MailHogClient) DeleteMessage(ctx context.Context, id string) error {
	url := fmt.Sprintf("%s/messages/%s", strings.Replace(c.apiURL, "/v2", "/v1", 1), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build mailbox delete request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "mailbox delete failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("mailbox delete returned status %d", resp.StatusCode)
	}

	log.Debug().Str("message_id", id).Msg("Deleted mailbox message")
	return nil
}
