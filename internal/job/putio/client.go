// Package putio implements the job.Client contract on top of the put.io
// API. It only handles torrent-kind jobs; usenet submissions are rejected.
package putio

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

const maxTorrentSize = 10 * 1024 * 1024 // put.io rejects larger uploads

type Client struct {
	putioClient *putio.Client
}

func NewClient(token string) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return &Client{putioClient: putio.NewClient(oauthClient)}
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with put.io")

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		return &job.AuthenticationError{Operation: "account_info", Err: err}
	}

	logger.InfoContext(ctx, "authenticated with put.io", "user", user.Username)

	return nil
}

func (c *Client) Submit(ctx context.Context, sub job.Submission) (*job.Receipt, error) {
	if sub.Kind != job.KindTorrent {
		return nil, job.ErrUnsupportedKind
	}

	logger := logctx.LoggerFromContext(ctx).With("name", sub.Options.Name)

	if sub.Magnet != "" {
		t, err := c.putioClient.Transfers.Add(ctx, sub.Magnet, 0, "")
		if err != nil {
			return nil, fmt.Errorf("failed to add transfer: %w", err)
		}

		logger.InfoContext(ctx, "transfer added to put.io", "transfer_id", t.ID)

		return &job.Receipt{ID: strconv.FormatInt(t.ID, 10), Name: t.Name}, nil
	}

	if err := validateTorrentFilename(sub.FileName); err != nil {
		return nil, err
	}

	if len(sub.Payload) > maxTorrentSize {
		return nil, &job.InvalidContentError{
			Filename: sub.FileName,
			Reason:   fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", len(sub.Payload), maxTorrentSize),
		}
	}

	upload, err := c.putioClient.Files.Upload(ctx, bytes.NewReader(sub.Payload), sub.FileName, 0)
	if err != nil {
		return nil, &job.NetworkError{Operation: "upload_torrent", APIMessage: err.Error(), Err: err}
	}

	// put.io creates the transfer automatically for .torrent uploads.
	if upload.Transfer == nil {
		return nil, &job.InvalidContentError{
			Filename: sub.FileName,
			Reason:   "put.io did not create a transfer (file may not be a valid torrent)",
		}
	}

	logger.InfoContext(ctx, "transfer created from torrent upload", "transfer_id", upload.Transfer.ID)

	return &job.Receipt{ID: strconv.FormatInt(upload.Transfer.ID, 10), Name: upload.Transfer.Name}, nil
}

func (c *Client) Status(ctx context.Context, ref job.Ref) (*job.StatusInfo, error) {
	t, err := c.findTransfer(ctx, ref)
	if err != nil {
		return nil, err
	}

	state := strings.ToLower(t.Status)

	return &job.StatusInfo{
		State:    state,
		Progress: float64(t.PercentDone) / 100,
		Ready:    t.FileID != 0 && transferAvailable(state),
		Size:     int64(t.Size),
		Name:     t.Name,
	}, nil
}

// DownloadLinks resolves one direct URL per file of the finished transfer.
// put.io has no single-archive link, so allowArchive is ignored and
// multi-file transfers yield multiple links.
func (c *Client) DownloadLinks(ctx context.Context, ref job.Ref, _ bool) ([]string, error) {
	t, err := c.findTransfer(ctx, ref)
	if err != nil {
		return nil, err
	}

	if t.FileID == 0 {
		return nil, fmt.Errorf("transfer %s has no finished file yet", ref.ID)
	}

	fileIDs, err := c.collectFileIDs(ctx, t.FileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer files: %w", err)
	}

	links := make([]string, 0, len(fileIDs))

	for _, id := range fileIDs {
		u, err := c.putioClient.Files.URL(ctx, id, false)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve download url for file %d: %w", id, err)
		}

		links = append(links, u)
	}

	return links, nil
}

func (c *Client) findTransfer(ctx context.Context, ref job.Ref) (*putio.Transfer, error) {
	transfers, err := c.putioClient.Transfers.List(ctx)
	if err != nil {
		return nil, &job.NetworkError{Operation: "list_transfers", APIMessage: err.Error(), Err: err}
	}

	for i := range transfers {
		if strconv.FormatInt(transfers[i].ID, 10) == ref.ID {
			return &transfers[i], nil
		}
	}

	return nil, &job.NotFoundError{Ref: ref}
}

func (c *Client) collectFileIDs(ctx context.Context, parentID int64) ([]int64, error) {
	file, err := c.putioClient.Files.Get(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file %d: %w", parentID, err)
	}

	if !file.IsDir() {
		return []int64{file.ID}, nil
	}

	children, _, err := c.putioClient.Files.List(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder %d: %w", parentID, err)
	}

	var result []int64

	for _, child := range children {
		if child.IsDir() {
			nested, err := c.collectFileIDs(ctx, child.ID)
			if err != nil {
				return nil, err
			}

			result = append(result, nested...)

			continue
		}

		result = append(result, child.ID)
	}

	return result, nil
}

func transferAvailable(state string) bool {
	switch state {
	case "completed", "seeding", "seedingwait", "finished":
		return true
	}

	return false
}

// validateTorrentFilename rejects uploads without a .torrent extension,
// which put.io needs for transfer detection.
func validateTorrentFilename(filename string) error {
	if !strings.EqualFold(filepath.Ext(filename), ".torrent") {
		return &job.InvalidContentError{
			Filename: filename,
			Reason:   "file extension must be .torrent",
		}
	}

	return nil
}
