// Package vaultapi binds the remote repository service to the vault server's
// HTTP API.
package vaultapi

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/vaultsync/internal/remote"
	"github.com/openmined/vaultsync/internal/version"
)

const (
	v1FolderRoot     = "/api/v1/folders/root"
	v1FolderChildren = "/api/v1/folders/children"
	v1FolderFiles    = "/api/v1/folders/files"
	v1FolderByPath   = "/api/v1/folders/by-path"
	v1FolderByID     = "/api/v1/folders/{id}"
	v1FileLatest     = "/api/v1/files/latest"
	v1FileByMaster   = "/api/v1/files/master/{id}"
	v1FileContent    = "/api/v1/files/{id}/content"

	HeaderVaultVersion = "X-Vaultsync-Version"
	HeaderRepository   = "X-Vault-Repository"
)

var UserAgent = fmt.Sprintf("vaultsync/%s (%s; %s; %s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

type Options struct {
	Repository string
	Token      string

	// Transport level retries for requests that never got a response.
	RetryCount    int
	RetryInterval time.Duration
	Timeout       time.Duration
}

type Client struct {
	client *req.Client
}

var _ remote.Service = (*Client)(nil)

func New(serverURL string, opts Options) (*Client, error) {
	if serverURL == "" {
		return nil, ErrNoServerURL
	}
	if _, err := url.ParseRequestURI(serverURL); err != nil {
		return nil, fmt.Errorf("vaultapi: server url: %w", err)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}

	client := req.C().
		SetBaseURL(serverURL).
		SetUserAgent(UserAgent).
		SetCommonHeader(HeaderVaultVersion, version.Version).
		SetCommonRetryCount(opts.RetryCount).
		SetCommonRetryFixedInterval(opts.RetryInterval).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	if opts.Repository != "" {
		client.SetCommonHeader(HeaderRepository, opts.Repository)
	}
	if opts.Token != "" {
		client.SetCommonBearerAuthToken(opts.Token)
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	return &Client{client: client}, nil
}

type idsRequest struct {
	IDs []remote.FolderID `json:"ids"`
}

type childrenResponse struct {
	Folders map[remote.FolderID][]remote.Folder `json:"folders"`
}

type filesResponse struct {
	Files map[remote.FolderID][]remote.File `json:"files"`
}

func (c *Client) ListRootFolder(ctx context.Context) (folder remote.Folder, err error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&folder).
		Get(v1FolderRoot)

	if err := handleAPIError(resp, err, "list root folder"); err != nil {
		return remote.Folder{}, err
	}
	return folder, nil
}

func (c *Client) ListChildFolders(ctx context.Context, ids []remote.FolderID) (map[remote.FolderID][]remote.Folder, error) {
	var result childrenResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&idsRequest{IDs: ids}).
		SetSuccessResult(&result).
		Post(v1FolderChildren)

	if err := handleAPIError(resp, err, "list child folders"); err != nil {
		return nil, err
	}
	return result.Folders, nil
}

func (c *Client) ListFilesInFolders(ctx context.Context, ids []remote.FolderID) (map[remote.FolderID][]remote.File, error) {
	var result filesResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&idsRequest{IDs: ids}).
		SetSuccessResult(&result).
		Post(v1FolderFiles)

	if err := handleAPIError(resp, err, "list files"); err != nil {
		return nil, err
	}
	return result.Files, nil
}

func (c *Client) ResolveFolderByPath(ctx context.Context, path string) (folder remote.Folder, err error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetSuccessResult(&folder).
		Get(v1FolderByPath)

	if err := handleAPIError(resp, err, "resolve folder "+path); err != nil {
		return remote.Folder{}, err
	}
	return folder, nil
}

func (c *Client) ResolveLatestFileByPath(ctx context.Context, path string) (file remote.File, err error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetSuccessResult(&file).
		Get(v1FileLatest)

	if err := handleAPIError(resp, err, "resolve file "+path); err != nil {
		return remote.File{}, err
	}
	return file, nil
}

func (c *Client) ResolveFolderByID(ctx context.Context, id remote.FolderID) (folder remote.Folder, err error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(int64(id), 10)).
		SetSuccessResult(&folder).
		Get(v1FolderByID)

	if err := handleAPIError(resp, err, "resolve folder id"); err != nil {
		return remote.Folder{}, err
	}
	return folder, nil
}

func (c *Client) ResolveFileByMasterID(ctx context.Context, masterID int64) (file remote.File, err error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(masterID, 10)).
		SetSuccessResult(&file).
		Get(v1FileByMaster)

	if err := handleAPIError(resp, err, "resolve file id"); err != nil {
		return remote.File{}, err
	}
	return file, nil
}

// DownloadFile streams the content of one file version into w.
func (c *Client) DownloadFile(ctx context.Context, file remote.File, w io.Writer) error {
	resp, err := c.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		SetPathParam("id", strconv.FormatInt(file.ID, 10)).
		Get(v1FileContent)
	if err != nil {
		return fmt.Errorf("http request error: download %s %w", file.Path, err)
	}
	defer resp.Body.Close()

	if resp.IsErrorState() {
		return fmt.Errorf("download %s %w", file.Path, &APIError{
			Code:    codeForStatus(resp.GetStatusCode()),
			Message: resp.Status,
			Status:  resp.GetStatusCode(),
		})
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", file.Path, err)
	}
	return nil
}
