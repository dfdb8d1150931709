package connection

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
)

// UploadContent uploads data to the homeserver's media repository and
// returns its mxc:// URI.
func (c *Connection) UploadContent(ctx context.Context, data []byte, contentType, filename string) (string, error) {
	handle := c.opts.Runner.Run(ctx, job.NewUploadContentJob(data, contentType, filename), job.Foreground)
	result, err := handle.Wait(ctx)
	if err != nil {
		return "", mxerr.Wrap(mxerr.KindIncorrectRequest, "uploading media failed", err)
	}
	return result.(job.UploadContentResponse).ContentURI, nil
}

// DownloadFile fetches the raw bytes behind an mxc:// URI.
func (c *Connection) DownloadFile(ctx context.Context, mxcURI string) ([]byte, error) {
	server, mediaID, err := splitMXC(mxcURI)
	if err != nil {
		return nil, err
	}
	handle := c.opts.Runner.Run(ctx, job.NewDownloadContentJob(server, mediaID), job.Foreground)
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, mxerr.Wrap(mxerr.KindIncorrectRequest, "downloading media failed", err)
	}
	return result.(job.DownloadContentResponse).Data, nil
}

// GetThumbnail fetches a scaled/cropped thumbnail for an mxc:// URI.
func (c *Connection) GetThumbnail(ctx context.Context, mxcURI string, width, height int, method string) ([]byte, error) {
	server, mediaID, err := splitMXC(mxcURI)
	if err != nil {
		return nil, err
	}
	handle := c.opts.Runner.Run(ctx, job.NewThumbnailJob(server, mediaID, width, height, method), job.Foreground)
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, mxerr.Wrap(mxerr.KindIncorrectRequest, "fetching thumbnail failed", err)
	}
	return result.(job.DownloadContentResponse).Data, nil
}

// MakeMediaUrl maps an mxc:// URI to an authenticated-looking download URL
// against the resolved homeserver, annotated with the current user_id.
func (c *Connection) MakeMediaUrl(mxcURI string) (string, error) {
	server, mediaID, err := splitMXC(mxcURI)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	base := c.homeserverURL
	userID := c.userID
	c.mu.Unlock()
	u := fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s", base, url.PathEscape(server), url.PathEscape(mediaID))
	if userID != "" {
		u += "?user_id=" + url.QueryEscape(userID)
	}
	return u, nil
}

func splitMXC(mxcURI string) (server, mediaID string, err error) {
	const prefix = "mxc://"
	if !strings.HasPrefix(mxcURI, prefix) {
		return "", "", mxerr.New(mxerr.KindIncorrectRequest, "not an mxc:// URI: "+mxcURI)
	}
	rest := strings.TrimPrefix(mxcURI, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", mxerr.New(mxerr.KindIncorrectRequest, "malformed mxc:// URI: "+mxcURI)
	}
	return rest[:idx], rest[idx+1:], nil
}
