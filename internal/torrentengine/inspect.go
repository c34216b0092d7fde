package torrentengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/accelara/clidm/internal/clidmerr"
)

// InspectFile is one entry of an InspectResult's file list.
type InspectFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// InspectResult is what `--inspect` reports for a torrent source: parsed
// metainfo, without ever opening a torrent.Client or touching the network
// beyond fetching the .torrent bytes themselves.
type InspectResult struct {
	Name      string        `json:"name"`
	TotalSize int64         `json:"totalSize"`
	FileCount int           `json:"fileCount"`
	Files     []InspectFile `json:"files"`
}

// Inspect parses source (an http(s) metainfo URL or a local .torrent file)
// and reports its layout without ever starting a download. A magnet URI is
// rejected, since it carries no metainfo until peers supply it.
func Inspect(ctx context.Context, source string) (InspectResult, error) {
	var info *metainfo.Info
	switch {
	case strings.HasPrefix(source, "magnet:"):
		return InspectResult{}, clidmerr.New(clidmerr.KindBadMetainfo, "magnet links carry no metainfo until fetched from peers; --inspect needs a .torrent file or URL")

	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		mi, err := fetchMetainfoStandalone(ctx, source)
		if err != nil {
			return InspectResult{}, clidmerr.Wrap(clidmerr.KindBadMetainfo, "fetching metainfo", err)
		}
		parsed, err := mi.UnmarshalInfo()
		if err != nil {
			return InspectResult{}, clidmerr.Wrap(clidmerr.KindBadMetainfo, "parsing metainfo", err)
		}
		info = &parsed

	default:
		mi, err := metainfo.LoadFromFile(source)
		if err != nil {
			return InspectResult{}, clidmerr.Wrap(clidmerr.KindBadMetainfo, "loading .torrent file", err)
		}
		parsed, err := mi.UnmarshalInfo()
		if err != nil {
			return InspectResult{}, clidmerr.Wrap(clidmerr.KindBadMetainfo, "parsing metainfo", err)
		}
		info = &parsed
	}

	result := InspectResult{Name: info.Name}
	for _, f := range info.UpvertedFiles() {
		result.Files = append(result.Files, InspectFile{
			Path: joinPath(f.Path),
			Size: f.Length,
		})
		result.TotalSize += f.Length
	}
	result.FileCount = len(result.Files)
	return result, nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

func fetchMetainfoStandalone(ctx context.Context, url string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching metainfo", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return nil, err
	}
	return metainfo.Load(bytes.NewReader(body))
}
