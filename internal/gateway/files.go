package gateway

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/index"
)

func (g *Gateway) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]index.FileInfo{"files": g.Index.ListFiles()})
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`
}

// handleUpload streams the multipart "file" part straight into the
// coordinator; nothing is buffered to a temp file. A peer_id field is only
// seen if it precedes the file part, so clients should send it first or
// use the X-Peer-ID header.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, errs.Wrap(errs.KindInvalid, err, "expected a multipart/form-data upload"))
		return
	}
	owner := requesterOf(r)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, errs.Invalid("form field %q is missing", "file"))
			return
		}
		if err != nil {
			writeError(w, errs.Wrap(errs.KindInvalid, err, "read multipart body"))
			return
		}

		switch part.FormName() {
		case "peer_id":
			b, _ := io.ReadAll(io.LimitReader(part, 256))
			if owner == "" {
				owner = strings.TrimSpace(string(b))
			}
		case "file":
			g.storeUpload(w, r, part.FileName(), part, owner)
			part.Close()
			return
		}
		part.Close()
	}
}

func (g *Gateway) storeUpload(w http.ResponseWriter, r *http.Request, filename string, body io.Reader, owner string) {
	if owner != "" {
		if _, err := g.Registry.Get(owner); err != nil {
			writeError(w, err)
			return
		}
		g.touch(owner)
	}

	m, err := g.Coordinator.Upload(r.Context(), filename, body, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		Message:  "File uploaded successfully.",
		Filename: m.Filename,
		Size:     m.TotalSize,
		Chunks:   len(m.Chunks),
	})
}

type searchRequest struct {
	Filename string `json:"filename"`
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]index.SearchResult{"peers": g.Index.Search(req.Filename)})
}

// countingWriter remembers whether the response body has started.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	requester := requesterOf(r)
	g.touch(requester)

	t, err := g.Coordinator.Download(r.Context(), filename, requester)
	if err != nil {
		writeError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(t.TotalBytes, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	h.Set("X-Transfer-ID", t.ID)

	cw := &countingWriter{w: w}
	if _, err := t.WriteTo(cw); err != nil {
		if cw.n == 0 {
			// nothing sent yet, so the client can still get a proper error
			h.Del("Content-Length")
			h.Del("Content-Disposition")
			writeError(w, err)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleDownload",
			"transfer": t.ID,
			"filename": filename,
			"sent":     cw.n,
			"error":    err,
		}).Warn("Download aborted mid-stream")
		// a short body under Content-Length tells the client it failed
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
}

type removeRequest struct {
	PeerID   string `json:"peer_id"`
	Filename string `json:"filename"`
}

func (g *Gateway) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PeerID == "" || req.Filename == "" {
		writeError(w, errs.Invalid("peer_id and filename are required"))
		return
	}
	if err := g.Index.RemoveFile(req.Filename, req.PeerID); err != nil {
		writeError(w, err)
		return
	}
	g.touch(req.PeerID)
	writeJSON(w, http.StatusOK, messageResponse{Message: "File " + req.Filename + " removed successfully."})
}

type advertiseRequest struct {
	PeerID string   `json:"peer_id"`
	Files  []string `json:"files"`
}

func (g *Gateway) handleAdvertise(w http.ResponseWriter, r *http.Request) {
	var req advertiseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := g.Registry.Get(req.PeerID); err != nil {
		writeError(w, err)
		return
	}
	g.touch(req.PeerID)

	results, err := g.Coordinator.Advertise(r.Context(), req.PeerID, req.Files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Files updated successfully.",
		"files":   results,
	})
}
