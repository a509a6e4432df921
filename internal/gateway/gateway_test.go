package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/internal/events"
	"github.com/shardnet/shardnet/internal/index"
	"github.com/shardnet/shardnet/internal/metadb"
	"github.com/shardnet/shardnet/internal/registry"
	"github.com/shardnet/shardnet/internal/storage"
	"github.com/shardnet/shardnet/internal/transfer"
	"github.com/shardnet/shardnet/pkg/p2p"
)

type testEnv struct {
	srv   *httptest.Server
	gw    *Gateway
	reg   *registry.Registry
	idx   *index.Index
	coord *transfer.Coordinator
	bus   *events.Bus
}

func newTestEnv(t *testing.T, opts transfer.Options) *testEnv {
	t.Helper()
	bus := events.NewBus()
	db := metadb.OpenMem()
	t.Cleanup(func() { db.Close() })

	cs, err := storage.NewChunkStore(t.TempDir(), db, 8)
	require.NoError(t, err)
	reg := registry.New(registry.Options{Events: bus})
	self, err := reg.Register("127.0.0.1", 3601)
	require.NoError(t, err)
	idx, err := index.New(index.Options{DB: db, Chunks: cs, Events: bus, SelfPeer: self.PeerID})
	require.NoError(t, err)

	opts.SelfPeer = self.PeerID
	opts.Events = bus
	coord := transfer.NewCoordinator(opts, cs, idx, reg, p2p.NewClient(p2p.ClientOptions{}))

	gw := New(Options{Registry: reg, Index: idx, Coordinator: coord, Bus: bus})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, gw: gw, reg: reg, idx: idx, coord: coord, bus: bus}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) upload(t *testing.T, peerID, filename string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if peerID != "" {
		require.NoError(t, mw.WriteField("peer_id", peerID))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.srv.URL+"/api/upload_file", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) register(t *testing.T, ip string, port int) string {
	t.Helper()
	resp := e.postJSON(t, "/api/register_peer", map[string]any{"ip": ip, "port": port})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[registerResponse](t, resp).PeerID
}

func (e *testEnv) search(t *testing.T, q string) []index.SearchResult {
	t.Helper()
	resp := e.postJSON(t, "/api/search_file", map[string]string{"filename": q})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[map[string][]index.SearchResult](t, resp)["peers"]
}

func TestUploadSearchDownloadRemove(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	peerA := env.register(t, "10.0.0.1", 4000)

	data := make([]byte, 10<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	resp := env.upload(t, peerA, "report.pdf", data)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decode[uploadResponse](t, resp)
	assert.True(t, up.Success)
	assert.Equal(t, int64(len(data)), up.Size)
	assert.Equal(t, 3, up.Chunks)

	assert.Equal(t, []index.SearchResult{{PeerID: peerA, Filename: "report.pdf"}}, env.search(t, "report"))

	resp = env.get(t, "/api/download_file/report.pdf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(data)), resp.ContentLength)
	assert.NotEmpty(t, resp.Header.Get("X-Transfer-ID"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "downloaded bytes differ from upload")

	resp = env.postJSON(t, "/api/remove_file", map[string]string{"peer_id": peerA, "filename": "report.pdf"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.search(t, "report"))
}

func TestRegisterPeer(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})

	resp := env.postJSON(t, "/api/register_peer", map[string]any{"ip": "10.0.0.2", "port": "4001"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[registerResponse](t, resp).PeerID
	assert.NotEmpty(t, id)

	resp = env.get(t, "/api/peer_info/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[registry.Peer](t, resp)
	assert.Equal(t, 4001, p.Port)
	assert.Equal(t, registry.StatusOnline, p.Status)

	resp = env.postJSON(t, "/api/register_peer", map[string]any{"port": 4001})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid", decode[errorResponse](t, resp).Kind)

	resp, err := http.Post(env.srv.URL+"/api/register_peer", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateStatusAndListPeers(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	id := env.register(t, "10.0.0.3", 4002)

	resp := env.postJSON(t, "/api/update_status", map[string]string{"peer_id": "nobody", "status": "online"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.postJSON(t, "/api/update_status", map[string]string{"peer_id": id, "status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.postJSON(t, "/api/update_status", map[string]string{"peer_id": id, "status": "offline"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	peers := decode[map[string][]registry.Peer](t, env.get(t, "/api/list_peers"))["peers"]
	for _, p := range peers {
		assert.NotEqual(t, id, p.PeerID, "offline peer listed")
	}
	all := decode[map[string][]registry.Peer](t, env.get(t, "/api/list_peers?all=true"))["peers"]
	require.Len(t, all, len(peers)+1)
	assert.Equal(t, registry.StatusOffline, all[len(all)-1].Status)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/list_peers?all=maybe").StatusCode)

	resp = env.postJSON(t, "/api/deregister_peer", map[string]string{"peer_id": id})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.get(t, "/api/peer_info/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchEmptyQueryReturnsNothing(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	resp := env.upload(t, "", "notes.txt", []byte("hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postJSON(t, "/api/search_file", map[string]string{"filename": ""})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"peers": []}`, string(body))
}

func TestListFiles(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	require.Equal(t, http.StatusOK, env.upload(t, "", "a.txt", []byte("aaaa")).StatusCode)

	files := decode[map[string][]index.FileInfo](t, env.get(t, "/api/list_files"))["files"]
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Name)
	assert.Equal(t, int64(4), files[0].Size)
	assert.True(t, files[0].Local)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})

	resp := env.upload(t, "ghost", "x.txt", []byte("x"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err := http.Post(env.srv.URL+"/api/upload_file", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())
	resp, err = http.Post(env.srv.URL+"/api/upload_file", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadAndRemoveNotFound(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})

	resp := env.get(t, "/api/download_file/missing.bin")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorResponse](t, resp).Kind)

	require.Equal(t, http.StatusOK, env.upload(t, "", "kept.txt", []byte("keep")).StatusCode)
	resp = env.postJSON(t, "/api/remove_file", map[string]string{"peer_id": "stranger", "filename": "kept.txt"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, env.search(t, "kept"), 1)
}

func TestDownloadRejectedOverPeerLimit(t *testing.T) {
	env := newTestEnv(t, transfer.Options{MaxTransfersPerPeer: 1})
	require.Equal(t, http.StatusOK, env.upload(t, "", "f.bin", []byte("payload")).StatusCode)

	held, err := env.coord.Download(context.Background(), "f.bin", "busy")
	require.NoError(t, err)
	defer held.Cancel()

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/download_file/f.bin", nil)
	require.NoError(t, err)
	req.Header.Set("X-Peer-ID", "busy")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestTransfersEndpoints(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	require.Equal(t, http.StatusOK, env.upload(t, "", "t.bin", []byte("transfer me")).StatusCode)

	resp := env.get(t, "/api/download_file/t.bin")
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// the handler finishes the transfer just after the last byte goes out
	var list []transfer.Snapshot
	require.Eventually(t, func() bool {
		list = decode[map[string][]transfer.Snapshot](t, env.get(t, "/api/transfers"))["transfers"]
		return len(list) == 1 && list[0].Status == transfer.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(len("transfer me")), list[0].BytesTransferred)

	resp = env.postJSON(t, "/api/transfers/"+list[0].ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = env.postJSON(t, "/api/transfers/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/register_peer", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Peer-ID")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/nothing").StatusCode)
	assert.Equal(t, http.StatusOK, env.get(t, "/").StatusCode)

	for _, path := range []string{"/api/register_peer", "/api/upload_file", "/api/search_file", "/api/transfers/x/cancel"} {
		resp := env.get(t, path)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, "GET %s", path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.NotEqual(t, "not_found", body["kind"], "GET %s", path)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, env.postJSON(t, "/api/list_files", map[string]string{}).StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})

	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "shardnet_registry_peers")
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, transfer.Options{})
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/events"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return env.bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		resp, err := http.Get(env.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "shardnet_gateway_event_streams 1")
	}, 2*time.Second, 20*time.Millisecond)
	id := env.register(t, "10.0.0.9", 4009)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev struct {
		Type events.Type   `json:"type"`
		Data registry.Peer `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.PeerRegistered, ev.Type)
	assert.Equal(t, id, ev.Data.PeerID)

	env.gw.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return env.bus.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
