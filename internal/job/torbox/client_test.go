package torbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, maxRetries int) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "v1", "test-key", maxRetries)
	client.retryDelay = 0

	return client, srv
}

func TestSubmit_Magnet(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/api/torrents/createtorrent", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "magnet:?xt=urn:btih:abc", r.PostForm.Get("magnet"))
		assert.Equal(t, "Some.Release", r.PostForm.Get("name"))
		assert.Equal(t, "false", r.PostForm.Get("as_queued"))
		assert.Equal(t, "1", r.PostForm.Get("seed"))

		fmt.Fprint(w, `{"success":true,"data":{"torrent_id":42,"hash":"abc"}}`)
	}), 0)

	receipt, err := client.Submit(context.Background(), job.Submission{
		Kind:   job.KindTorrent,
		Magnet: "magnet:?xt=urn:btih:abc",
		Options: job.SubmitOptions{
			Name: "Some.Release",
			Seed: 1,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "42", receipt.ID)
	assert.Equal(t, "abc", receipt.Hash)
}

func TestSubmit_TorrentFileMultipart(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "Some.Release", r.MultipartForm.Value["name"][0])
		assert.Equal(t, "true", r.MultipartForm.Value["allow_zip"][0])

		fileHeaders := r.MultipartForm.File["file"]
		require.Len(t, fileHeaders, 1)
		assert.Equal(t, "Some.Release.torrent", fileHeaders[0].Filename)
		assert.Equal(t, "application/x-bittorrent", fileHeaders[0].Header.Get("Content-Type"))

		fmt.Fprint(w, `{"success":true,"data":{"torrent_id":7,"hash":"def"}}`)
	}), 0)

	receipt, err := client.Submit(context.Background(), job.Submission{
		Kind:     job.KindTorrent,
		FileName: "Some.Release.torrent",
		Payload:  []byte("d8:announce0:e"),
		Options: job.SubmitOptions{
			Name:     "Some.Release",
			AllowZip: true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "7", receipt.ID)
}

func TestSubmit_UsenetEndpoint(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/api/usenet/createusenetdownload", r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "-1", r.MultipartForm.Value["post_processing"][0])

		fmt.Fprint(w, `{"success":true,"data":{"usenetdownload_id":99}}`)
	}), 0)

	receipt, err := client.Submit(context.Background(), job.Submission{
		Kind:     job.KindUsenet,
		FileName: "show.nzb",
		Payload:  []byte("<nzb></nzb>"),
		Options: job.SubmitOptions{
			Name:           "show",
			PostProcessing: -1,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "99", receipt.ID)
}

func TestSubmit_NoIdentifierInResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":{}}`)
	}), 0)

	_, err := client.Submit(context.Background(), job.Submission{
		Kind:   job.KindTorrent,
		Magnet: "magnet:?xt=urn:btih:abc",
	})

	var invalidErr *job.InvalidContentError

	require.Error(t, err)
	assert.True(t, errors.As(err, &invalidErr))
}

func TestStatus_SingleObjectResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/api/torrents/mylist", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("id"))

		fmt.Fprint(w, `{"success":true,"data":{"id":42,"hash":"abc","name":"Some.Release","download_state":"downloading","progress":0.5,"download_present":false,"size":1000}}`)
	}), 0)

	status, err := client.Status(context.Background(), job.Ref{ID: "42", Kind: job.KindTorrent})
	require.NoError(t, err)

	assert.Equal(t, "downloading", status.State)
	assert.Equal(t, 0.5, status.Progress)
	assert.False(t, status.Ready)
	assert.Equal(t, int64(1000), status.Size)
}

func TestStatus_ListResponseMatchedByHash(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":[
			{"id":1,"hash":"other","download_state":"downloading","progress":0.1},
			{"id":2,"hash":"abc","download_state":"completed","progress":1,"download_present":true}
		]}`)
	}), 0)

	status, err := client.Status(context.Background(), job.Ref{ID: "999", Hash: "abc", Kind: job.KindTorrent})
	require.NoError(t, err)

	assert.True(t, status.Ready)
	assert.Equal(t, "completed", status.State)
}

func TestStatus_NotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":[]}`)
	}), 0)

	_, err := client.Status(context.Background(), job.Ref{ID: "42", Kind: job.KindTorrent})

	var notFound *job.NotFoundError

	require.Error(t, err)
	assert.True(t, errors.As(err, &notFound))
}

func TestDownloadLinks(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/api/usenet/requestdl", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("usenet_id"))
		assert.Equal(t, "true", r.URL.Query().Get("zip_link"))
		assert.Equal(t, "test-key", r.URL.Query().Get("token"))

		fmt.Fprint(w, `{"success":true,"data":"https://store.torbox.app/dl/xyz"}`)
	}), 0)

	links, err := client.DownloadLinks(context.Background(), job.Ref{ID: "7", Kind: job.KindUsenet}, true)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://store.torbox.app/dl/xyz", links[0])
}

func TestRequestRetry_ServerErrorsThenSuccess(t *testing.T) {
	var hits atomic.Int32

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		fmt.Fprint(w, `{"success":true,"data":{"id":1,"download_state":"queued"}}`)
	}), 2)

	_, err := client.Status(context.Background(), job.Ref{ID: "1", Kind: job.KindTorrent})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load(), "two retries after the first failure")
}

func TestRequestRetry_CeilingExhausted(t *testing.T) {
	var hits atomic.Int32

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}), 2)

	_, err := client.Status(context.Background(), job.Ref{ID: "1", Kind: job.KindTorrent})

	var netErr *job.NetworkError

	require.Error(t, err)
	assert.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusInternalServerError, netErr.StatusCode)
	assert.Equal(t, int32(3), hits.Load(), "one failed check costs at most maxRetries+1 requests")
}

func TestUnauthorized_NoRetry(t *testing.T) {
	var hits atomic.Int32

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}), 5)

	err := client.Authenticate(context.Background())

	var authErr *job.AuthenticationError

	require.Error(t, err)
	assert.True(t, errors.As(err, &authErr))
	assert.Equal(t, int32(1), hits.Load(), "4xx responses must not be retried")
}
