// Package torbox implements the job.Client contract against the TorBox
// v1 HTTP API.
package torbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const requestRetryDelay = 5 * time.Second

type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
}

// NewClient builds a TorBox API client rooted at
// {baseURL}/{apiVersion}/api. maxRetries is the request-level retry
// ceiling; it is independent of the poller's per-item failure ceiling.
func NewClient(baseURL, apiVersion, apiKey string, maxRetries int) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("%s/%s/api", strings.TrimRight(baseURL, "/"), apiVersion),
		apiKey:     apiKey,
		maxRetries: maxRetries,
		retryDelay: requestRetryDelay,
		httpClient: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// envelope is the TorBox response wrapper shared by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

type listItem struct {
	ID              int64   `json:"id"`
	Hash            string  `json:"hash"`
	Name            string  `json:"name"`
	DownloadState   string  `json:"download_state"`
	Progress        float64 `json:"progress"`
	DownloadPresent bool    `json:"download_present"`
	Size            int64   `json:"size"`
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with TorBox")

	if _, err := c.get(ctx, "authenticate", "/user/me", nil); err != nil {
		return fmt.Errorf("failed to verify TorBox credentials: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with TorBox")

	return nil
}

// Submit sends one torrent, magnet or NZB job to TorBox and returns the
// identifier the poller will track it under.
func (c *Client) Submit(ctx context.Context, sub job.Submission) (*job.Receipt, error) {
	logger := logctx.LoggerFromContext(ctx).With("kind", string(sub.Kind), "name", sub.Options.Name)

	var (
		env *envelope
		err error
	)

	switch {
	case sub.Kind == job.KindTorrent && sub.Magnet != "":
		env, err = c.submitMagnet(ctx, sub)
	case sub.Kind == job.KindTorrent:
		env, err = c.submitFile(ctx, "submit_torrent", "/torrents/createtorrent",
			"application/x-bittorrent", sub.FileName, sub.Payload, torrentFields(sub.Options))
	case sub.Kind == job.KindUsenet:
		env, err = c.submitFile(ctx, "submit_usenet", "/usenet/createusenetdownload",
			"application/x-nzb", sub.FileName, sub.Payload, usenetFields(sub.Options))
	default:
		return nil, job.ErrUnsupportedKind
	}

	if err != nil {
		return nil, err
	}

	receipt, err := receiptFromResponse(env.Data)
	if err != nil {
		return nil, &job.InvalidContentError{
			Filename: sub.FileName,
			Reason:   "service returned neither an id nor a hash",
			Err:      err,
		}
	}

	logger.InfoContext(ctx, "job submitted", "job_id", receipt.ID)

	return receipt, nil
}

// Status looks the job up in the kind-appropriate listing and reports its
// remote state. A job missing from its listing yields a NotFoundError.
func (c *Client) Status(ctx context.Context, ref job.Ref) (*job.StatusInfo, error) {
	endpoint := "/torrents/mylist"
	if ref.Kind == job.KindUsenet {
		endpoint = "/usenet/mylist"
	}

	params := url.Values{}
	if ref.ID != "" {
		params.Set("id", ref.ID)
	}

	params.Set("bypass_cache", "true")

	env, err := c.get(ctx, "status", endpoint, params)
	if err != nil {
		return nil, err
	}

	item, ok := matchListItem(env.Data, ref)
	if !ok {
		return nil, &job.NotFoundError{Ref: ref}
	}

	return &job.StatusInfo{
		State:    item.DownloadState,
		Progress: item.Progress,
		Ready:    item.DownloadPresent,
		Size:     item.Size,
		Name:     item.Name,
	}, nil
}

// DownloadLinks asks TorBox for a direct download URL. With allowArchive
// the service bundles multi-file content into a single zip.
func (c *Client) DownloadLinks(ctx context.Context, ref job.Ref, allowArchive bool) ([]string, error) {
	endpoint := "/torrents/requestdl"
	idParam := "torrent_id"

	if ref.Kind == job.KindUsenet {
		endpoint = "/usenet/requestdl"
		idParam = "usenet_id"
	}

	params := url.Values{}
	params.Set(idParam, ref.ID)
	params.Set("zip_link", strconv.FormatBool(allowArchive))
	params.Set("token", c.apiKey)

	env, err := c.get(ctx, "request_download", endpoint, params)
	if err != nil {
		return nil, err
	}

	var link string
	if err := json.Unmarshal(env.Data, &link); err != nil || link == "" {
		return nil, fmt.Errorf("no download link in response for job %s", ref.ID)
	}

	return []string{link}, nil
}

func (c *Client) submitMagnet(ctx context.Context, sub job.Submission) (*envelope, error) {
	fields := torrentFields(sub.Options)
	fields.Set("magnet", sub.Magnet)

	return c.do(ctx, "submit_magnet", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/torrents/createtorrent", strings.NewReader(fields.Encode()))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return req, nil
	})
}

func (c *Client) submitFile(ctx context.Context, op, endpoint, contentType, fileName string, payload []byte, fields url.Values) (*envelope, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	for key := range fields {
		if err := writer.WriteField(key, fields.Get(key)); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart section: %w", err)
	}

	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write file payload: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	raw := body.Bytes()

	return c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", writer.FormDataContentType())

		return req, nil
	})
}

func (c *Client) get(ctx context.Context, op, endpoint string, params url.Values) (*envelope, error) {
	return c.do(ctx, op, func() (*http.Request, error) {
		u := c.baseURL + endpoint
		if len(params) > 0 {
			u += "?" + params.Encode()
		}

		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
}

// do executes one logical API call with the fixed-delay request retry
// policy: transport errors and 5xx responses retry up to the ceiling,
// 4xx responses fail immediately.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error)) (*envelope, error) {
	logger := logctx.LoggerFromContext(ctx).With("operation", op)

	var env envelope

	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := build()
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to build request: %w", err))
			}

			req.Header.Set("Authorization", "Bearer "+c.apiKey)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				logger.WarnContext(ctx, "request failed", "err", err)

				return &job.NetworkError{Operation: op, APIMessage: err.Error(), Err: err}
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return &job.NetworkError{Operation: op, APIMessage: err.Error(), Err: err}
			}

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(&job.AuthenticationError{Operation: op})
			case resp.StatusCode >= http.StatusInternalServerError:
				logger.WarnContext(ctx, "server error", "status", resp.StatusCode)

				return &job.NetworkError{Operation: op, StatusCode: resp.StatusCode, APIMessage: string(raw)}
			case resp.StatusCode >= http.StatusBadRequest:
				return retry.Unrecoverable(&job.NetworkError{Operation: op, StatusCode: resp.StatusCode, APIMessage: string(raw)})
			}

			if err := json.Unmarshal(raw, &env); err != nil {
				return &job.NetworkError{Operation: op, APIMessage: "malformed response body", Err: err}
			}

			if !env.Success {
				detail := env.Detail
				if detail == "" {
					detail = env.Error
				}

				return retry.Unrecoverable(fmt.Errorf("%s rejected by service: %s", op, detail))
			}

			return nil
		},
		retry.Attempts(uint(c.maxRetries+1)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	return &env, nil
}

func torrentFields(opts job.SubmitOptions) url.Values {
	fields := url.Values{}
	fields.Set("name", opts.Name)
	fields.Set("seed", strconv.Itoa(opts.Seed))
	fields.Set("allow_zip", strconv.FormatBool(opts.AllowZip))
	fields.Set("as_queued", strconv.FormatBool(opts.AsQueued))

	return fields
}

func usenetFields(opts job.SubmitOptions) url.Values {
	fields := url.Values{}
	fields.Set("name", opts.Name)
	fields.Set("post_processing", strconv.Itoa(opts.PostProcessing))
	fields.Set("as_queued", strconv.FormatBool(opts.AsQueued))

	return fields
}

// receiptFromResponse pulls the job identifier out of a creation response.
// Torrents report torrent_id, usenet reports usenetdownload_id or id, and
// either may carry a hash as the only usable key.
func receiptFromResponse(data json.RawMessage) (*job.Receipt, error) {
	var payload struct {
		TorrentID        int64  `json:"torrent_id"`
		UsenetDownloadID int64  `json:"usenetdownload_id"`
		ID               int64  `json:"id"`
		Hash             string `json:"hash"`
		Name             string `json:"name"`
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode creation response: %w", err)
	}

	id := payload.TorrentID
	if id == 0 {
		id = payload.UsenetDownloadID
	}

	if id == 0 {
		id = payload.ID
	}

	receipt := &job.Receipt{Hash: payload.Hash, Name: payload.Name}

	switch {
	case id != 0:
		receipt.ID = strconv.FormatInt(id, 10)
	case payload.Hash != "":
		receipt.ID = payload.Hash
	default:
		return nil, fmt.Errorf("creation response carries no identifier")
	}

	return receipt, nil
}

// matchListItem finds ref in a mylist payload, which is an object when
// queried by id and an array otherwise.
func matchListItem(data json.RawMessage, ref job.Ref) (*listItem, bool) {
	var single listItem
	if err := json.Unmarshal(data, &single); err == nil && (single.ID != 0 || single.Hash != "") {
		if itemMatches(&single, ref) {
			return &single, true
		}

		return nil, false
	}

	var many []listItem
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, false
	}

	for i := range many {
		if itemMatches(&many[i], ref) {
			return &many[i], true
		}
	}

	return nil, false
}

func itemMatches(item *listItem, ref job.Ref) bool {
	if ref.ID != "" && strconv.FormatInt(item.ID, 10) == ref.ID {
		return true
	}

	if ref.Hash != "" && item.Hash == ref.Hash {
		return true
	}

	// Hash-only tracking: the identifier itself is the hash.
	return ref.ID != "" && item.Hash == ref.ID
}
