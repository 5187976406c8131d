package job

import (
	"context"
	"strings"
	"time"
)

// Kind identifies which family of remote endpoints a job uses.
type Kind string

const (
	KindTorrent Kind = "torrent"
	KindUsenet  Kind = "usenet"
)

// SubmitOptions carries the service-side knobs for a new submission.
type SubmitOptions struct {
	Name           string
	Seed           int
	AllowZip       bool
	AsQueued       bool
	PostProcessing int
}

// Submission is one job handed to the remote service. Exactly one of
// Payload or Magnet is set: raw file bytes for torrent/NZB uploads,
// a magnet URI for magnet links.
type Submission struct {
	Kind     Kind
	FileName string
	Payload  []byte
	Magnet   string
	Options  SubmitOptions
}

// Receipt is what the remote service hands back for an accepted submission.
type Receipt struct {
	ID   string
	Hash string
	Name string
}

// Ref addresses an already-submitted job on the remote service. Hash is
// kept as a fallback lookup key because some list endpoints only echo it.
type Ref struct {
	ID   string
	Hash string
	Kind Kind
}

// StatusInfo is the remote view of a job at one point in time.
type StatusInfo struct {
	State    string
	Progress float64 // 0..1
	Ready    bool
	Size     int64
	Name     string
}

// Client is the contract the core needs from a remote download service.
// Authentication, transport and request-level retries live behind it.
type Client interface {
	Authenticate(ctx context.Context) error
	Submit(ctx context.Context, sub Submission) (*Receipt, error)
	Status(ctx context.Context, ref Ref) (*StatusInfo, error)
	DownloadLinks(ctx context.Context, ref Ref, allowArchive bool) ([]string, error)
}

// Item is one remote job under observation until it is fetched or dropped.
type Item struct {
	ID                  string
	Hash                string
	Kind                Kind
	Label               string
	TargetDir           string
	Status              string
	ProgressPercent     float64
	ConsecutiveFailures int
	CreatedAt           time.Time
}

// Ref returns the remote lookup key for this item.
func (i Item) Ref() Ref {
	return Ref{ID: i.ID, Hash: i.Hash, Kind: i.Kind}
}

// KindForExtension maps a watch-file extension to the job kind it submits
// as. The boolean is false for extensions the watcher does not recognize.
func KindForExtension(ext string) (Kind, bool) {
	switch strings.ToLower(ext) {
	case ".torrent", ".magnet":
		return KindTorrent, true
	case ".nzb":
		return KindUsenet, true
	}

	return "", false
}
