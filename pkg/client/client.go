// Package client is a Go client for the shardnetd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Peer struct {
	PeerID       string    `json:"peer_id"`
	IP           string    `json:"ip"`
	Port         int       `json:"port"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}

type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Chunks   int       `json:"chunks"`
	Holders  int       `json:"holders"`
	Local    bool      `json:"local"`
}

type SearchResult struct {
	PeerID   string `json:"peer_id"`
	Filename string `json:"filename"`
}

type UploadResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`
}

type AdvertiseResult struct {
	Filename string `json:"filename"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type Transfer struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename"`
	Requester        string     `json:"requester"`
	BytesTransferred int64      `json:"bytes_transferred"`
	TotalBytes       int64      `json:"total_bytes"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("shardnetd: %s (%s, HTTP %d)", e.Message, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("shardnetd: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ErrShortBody means a download ended before Content-Length bytes arrived,
// which is how the daemon signals a transfer that failed mid-stream.
var ErrShortBody = errors.New("download ended early")

type Client struct {
	BaseURL string
	// PeerID, when set, is sent as X-Peer-ID so uploads and downloads are
	// attributed to that peer.
	PeerID string
	HTTP   *http.Client
}

func New(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.PeerID != "" {
		req.Header.Set("X-Peer-ID", c.PeerID)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message, apiErr.Kind = payload.Error, payload.Kind
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) RegisterPeer(ctx context.Context, ip string, port int) (string, error) {
	var resp struct {
		PeerID string `json:"peer_id"`
	}
	err := c.postJSON(ctx, "/api/register_peer", map[string]any{"ip": ip, "port": port}, &resp)
	return resp.PeerID, err
}

func (c *Client) UpdateStatus(ctx context.Context, peerID, status string) error {
	return c.postJSON(ctx, "/api/update_status", map[string]string{"peer_id": peerID, "status": status}, nil)
}

func (c *Client) DeregisterPeer(ctx context.Context, peerID string) error {
	return c.postJSON(ctx, "/api/deregister_peer", map[string]string{"peer_id": peerID}, nil)
}

// ListPeers returns the online peers.
func (c *Client) ListPeers(ctx context.Context) ([]Peer, error) {
	var resp struct {
		Peers []Peer `json:"peers"`
	}
	err := c.getJSON(ctx, "/api/list_peers", &resp)
	return resp.Peers, err
}

// ListAllPeers also returns offline sessions the tracker still remembers.
func (c *Client) ListAllPeers(ctx context.Context) ([]Peer, error) {
	var resp struct {
		Peers []Peer `json:"peers"`
	}
	err := c.getJSON(ctx, "/api/list_peers?all=true", &resp)
	return resp.Peers, err
}

func (c *Client) PeerInfo(ctx context.Context, peerID string) (Peer, error) {
	var p Peer
	err := c.getJSON(ctx, "/api/peer_info/"+url.PathEscape(peerID), &p)
	return p, err
}

func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var resp struct {
		Files []FileInfo `json:"files"`
	}
	err := c.getJSON(ctx, "/api/list_files", &resp)
	return resp.Files, err
}

func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var resp struct {
		Peers []SearchResult `json:"peers"`
	}
	err := c.postJSON(ctx, "/api/search_file", map[string]string{"filename": query}, &resp)
	return resp.Peers, err
}

func (c *Client) RemoveFile(ctx context.Context, peerID, filename string) error {
	return c.postJSON(ctx, "/api/remove_file", map[string]string{"peer_id": peerID, "filename": filename}, nil)
}

func (c *Client) Advertise(ctx context.Context, peerID string, files []string) ([]AdvertiseResult, error) {
	var resp struct {
		Files []AdvertiseResult `json:"files"`
	}
	err := c.postJSON(ctx, "/api/advertise_files", map[string]any{"peer_id": peerID, "files": files}, &resp)
	return resp.Files, err
}

func (c *Client) Transfers(ctx context.Context) ([]Transfer, error) {
	var resp struct {
		Transfers []Transfer `json:"transfers"`
	}
	err := c.getJSON(ctx, "/api/transfers", &resp)
	return resp.Transfers, err
}

func (c *Client) CancelTransfer(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/api/transfers/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Upload streams r as a multipart form without buffering it in memory.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if c.PeerID != "" {
				if err := mw.WriteField("peer_id", c.PeerID); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	var res UploadResult
	req, err := c.newRequest(ctx, http.MethodPost, "/api/upload_file", pr)
	if err != nil {
		pr.Close()
		return res, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.do(req, &res)
	// unblocks the writer goroutine if the server answered early
	pr.CloseWithError(io.ErrClosedPipe)
	return res, err
}

// Download writes filename to w and returns the bytes written. A body
// shorter than Content-Length yields ErrShortBody.
func (c *Client) Download(ctx context.Context, filename string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/download_file/"+url.PathEscape(filename), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if errors.Is(err, io.ErrUnexpectedEOF) || (err == nil && resp.ContentLength >= 0 && n < resp.ContentLength) {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, resp.ContentLength)
	}
	return n, err
}
