package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultEdgeTimeout = 15 * time.Second

// edgeClient talks to the hosting platform's hostname API. The platform
// accepts an Idempotency-Key header and answers a retried create with 409
// plus the original resource.
type edgeClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logrus.Entry
}

type edgeHostname struct {
	ID       string `json:"id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

func NewEdgeClient(baseURL, token string) EdgePlatform {
	return &edgeClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultEdgeTimeout,
		},
		log: logrus.WithField("client", "edge"),
	}
}

func (c *edgeClient) Register(ctx context.Context, hostname, idempotencyKey string) (string, error) {
	body, err := json.Marshal(edgeHostname{Hostname: hostname})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/hostnames", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures and timeouts are indistinguishable from a
		// request that went through; the idempotency key makes the retry safe.
		return "", Retryable("register hostname", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out edgeHostname
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", Retryable("register hostname", fmt.Errorf("decode response: %w", err))
		}
		c.log.WithFields(logrus.Fields{"hostname": hostname, "ref": out.ID}).Debug("registered hostname")
		return out.ID, nil

	case resp.StatusCode == http.StatusConflict:
		// Replay of an earlier create. The platform echoes the existing
		// resource; adopt its ref.
		var out edgeHostname
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
			return "", Fatal("register hostname", fmt.Errorf("hostname conflict without adoptable ref"))
		}
		return "", &AlreadyExistsError{Ref: out.ID}

	default:
		return "", classifyEdgeStatus("register hostname", resp)
	}
}

func (c *edgeClient) Unregister(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/hostnames/"+ref, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Retryable("unregister hostname", err)
	}
	defer resp.Body.Close()

	// Already gone is as good as deleted.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyEdgeStatus("unregister hostname", resp)
}

func classifyEdgeStatus(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := fmt.Errorf("edge platform returned %d: %s", resp.StatusCode, string(payload))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Retryable(op, err)
	}
	return Fatal(op, err)
}
