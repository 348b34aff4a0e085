package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/udl-tools/go-uploadkit/upload"
	"github.com/udl-tools/go-uploadkit/upload/chunkuploader"
)

type uploadInfoResponse struct {
	ID  string `json:"id"`
	Min int64  `json:"min"`
	Max int64  `json:"max"`
}

type finishRequest struct {
	Tags                []upload.Tag `json:"tags"`
	GetReceiptSignature bool         `json:"get_receipt_signature"`
}

// nodeClient speaks the chunked upload protocol of a bundler node:
// an upload session is opened, chunks are posted by byte offset, then the session is finished.
type nodeClient struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	currency    string
	accessToken string
	logger      log.Logger
}

func newNodeClient(client *retryablehttp.Client, baseURL, currency, accessToken string, logger log.Logger) nodeClient {
	return nodeClient{
		httpClient:  client,
		chunkClient: chunkuploader.DefaultHTTPClient(),
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		currency:    currency,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c nodeClient) chunksURL(parts ...string) string {
	return fmt.Sprintf("%s/chunks/%s/%s", c.baseURL, c.currency, strings.Join(parts, "/"))
}

func (c nodeClient) authorize(header http.Header) {
	if c.accessToken != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

// uploadInfo opens a new upload session for size bytes and returns the accepted chunk size bounds.
func (c nodeClient) uploadInfo(ctx context.Context, size int64) (uploadInfoResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.chunksURL("-1", fmt.Sprintf("%d", size)), nil)
	if err != nil {
		return uploadInfoResponse{}, err
	}
	c.authorize(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uploadInfoResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return uploadInfoResponse{}, unwrapError(resp)
	}

	var response uploadInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return uploadInfoResponse{}, err
	}
	if response.ID == "" {
		return uploadInfoResponse{}, fmt.Errorf("node returned no upload ID")
	}

	return response, nil
}

// uploadChunk posts a single chunk. Retries are left to the chunk uploader, so this uses a plain client.
func (c nodeClient) uploadChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chunksURL(uploadID, fmt.Sprintf("%d", offset)), bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.authorize(req.Header)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return unwrapError(resp)
	}

	return nil
}

// finish closes the upload session and returns the node's receipt.
func (c nodeClient) finish(ctx context.Context, uploadID string, tags []upload.Tag, getReceiptSignature bool) (upload.Receipt, error) {
	body, err := json.Marshal(finishRequest{Tags: tags, GetReceiptSignature: getReceiptSignature})
	if err != nil {
		return upload.Receipt{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.chunksURL(uploadID, "-1"), body)
	if err != nil {
		return upload.Receipt{}, err
	}
	c.authorize(req.Header)
	req.Header.Set("Content-Type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Finish request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return upload.Receipt{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return upload.Receipt{}, unwrapError(resp)
	}

	var receipt upload.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return upload.Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}

	return receipt, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	message := strings.TrimSpace(string(errorResp))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, message)
}
