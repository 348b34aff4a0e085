package network

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// DownloadParams ...
type DownloadParams struct {
	GatewayURL   string
	ID           string
	DownloadPath string
}

// Download fetches uploaded data from the gateway by its receipt ID and stores it at DownloadPath.
// It returns the URL the data was fetched from.
func Download(ctx context.Context, params DownloadParams, logger log.Logger) (string, error) {
	if params.GatewayURL == "" {
		return "", fmt.Errorf("gateway URL is empty")
	}

	if params.ID == "" {
		return "", fmt.Errorf("ID is empty")
	}

	if params.DownloadPath == "" {
		return "", fmt.Errorf("download path is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	url := strings.TrimSuffix(params.GatewayURL, "/") + "/" + params.ID
	logger.Debugf("Download %s", url)
	if err := downloadFile(ctx, retryableHTTPClient.StandardClient(), url, params.DownloadPath); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", params.ID, err)
	}

	return url, nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	// NewDownload sets got's default client on the download itself.
	dl := got.NewDownload(ctx, url, dest)
	dl.Client = client

	return downloader.Do(dl)
}
