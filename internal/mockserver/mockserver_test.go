package mockserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/9triver/mutator/internal/launch"
	"github.com/9triver/mutator/internal/loader"
	"github.com/9triver/mutator/internal/mutator"
	"github.com/9triver/mutator/internal/pe/petest"
	"github.com/9triver/mutator/internal/protocol"
	wstransport "github.com/9triver/mutator/internal/transport/websocket"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func startMock(t *testing.T, cfg *Config) string {
	t.Helper()
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.MinCost
	}
	if len(cfg.Users) == 0 {
		cfg.Users = []UserConfig{{Username: "alice", Password: "secret"}}
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/"
}

func newClient(t *testing.T, url string) *mutator.Session {
	t.Helper()
	s := mutator.New(func(ctx context.Context) (mutator.Channel, error) {
		ch, err := wstransport.Dial(ctx, wstransport.Config{URL: url, HandshakeTimeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, mutator.WithRequestTimeout(10*time.Second))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	return s
}

func sampleInputs(binary []byte) loader.Inputs {
	return loader.Inputs{
		Directory: "sample",
		MapPath:   "sample/sample.map",
		BinPath:   "sample/sample.dll",
		MapText:   " 0001:00000000 DllMain 0000000180001000 f sample.obj\n",
		Binary:    binary,
	}
}

func TestEndToEnd(t *testing.T) {
	url := startMock(t, &Config{
		InitExports: []string{"offset_test"},
		MmapExports: []string{"export_a"},
	})
	s := newClient(t, url)
	ctx := context.Background()

	ok, err := s.Authenticate(ctx, "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, strings.Split(s.SessionID(), "."), 3, "session id is a signed token")

	initData := bytes.Repeat([]byte{0x5a}, 16)
	var mmapEnded atomic.Bool
	require.NoError(t, s.AddCallback(mutator.CallbackExportInit, func(_ context.Context, call mutator.Callback) {
		export := call.(*mutator.ExportCall)
		if export.Name == "offset_test" {
			export.SetData(initData)
		}
	}))
	require.NoError(t, s.AddCallback(mutator.CallbackExportMmap, func(_ context.Context, call mutator.Callback) {
		call.(*mutator.ExportCall).SetData([]byte("abcd"))
	}))
	require.NoError(t, s.AddCallback(mutator.CallbackMmapEnd, func(context.Context, mutator.Callback) {
		mmapEnded.Store(true)
	}))
	require.NoError(t, s.SetOption(mutator.OptionShuffle, true))

	image := petest.Image(true)
	require.NoError(t, s.SetInputs(sampleInputs(image)))

	status, err := s.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, mutator.StatusSuccess, status)

	md, err := s.GetMapperData(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1000, 0x1000}, md.Sizes)
	assert.Empty(t, md.Imports)

	manifest, err := launch.ParseManifest([]byte("base_address: 0x140000000\n"))
	require.NoError(t, err)
	info, err := launch.Build(md, manifest, manifest)
	require.NoError(t, err)

	result, err := s.Proceed(ctx, info)
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Len(t, result.Binaries, 1)
	assert.True(t, mmapEnded.Load())

	out := result.Binaries[0]
	assert.True(t, bytes.HasPrefix(out, image))
	assert.True(t, bytes.HasSuffix(out, append([]byte("abcd"), initData...)))
	assert.Contains(t, string(result.Data), `"client_id"`)
	assert.Equal(t, mutator.StageFinalized, s.Stage())
}

func TestInitializeRejectsInvalidBinary(t *testing.T) {
	url := startMock(t, &Config{})
	s := newClient(t, url)
	ctx := context.Background()

	ok, err := s.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SetInputs(sampleInputs([]byte("MZ but not really"))))
	status, err := s.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, mutator.StatusInvalidBin, status)
	assert.Equal(t, mutator.StageAuthenticated, s.Stage())
}

func TestProceedWithWrongClientFails(t *testing.T) {
	url := startMock(t, &Config{AlwaysNotifyLifecycle: true})
	s := newClient(t, url)
	ctx := context.Background()

	ok, err := s.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.SetInputs(sampleInputs(petest.Image(false))))
	status, err := s.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, mutator.StatusSuccess, status)

	md, err := s.GetMapperData(ctx)
	require.NoError(t, err)

	result, err := s.Proceed(ctx, &mutator.LaunchInfo{
		ClientID: md.ClientID + 1,
		Bases:    []uint64{0x140000000},
		Imports:  map[string]map[string]uint64{},
	})
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Empty(t, result.Binaries)
	assert.Contains(t, string(result.Data), "unknown client id")
}

func TestLifecycleNotificationsWithoutHandlersAreDropped(t *testing.T) {
	url := startMock(t, &Config{AlwaysNotifyLifecycle: true})
	s := newClient(t, url)
	ctx := context.Background()

	ok, err := s.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.SetInputs(sampleInputs(petest.Image(true))))
	_, err = s.Initialize(ctx)
	require.NoError(t, err)
	md, err := s.GetMapperData(ctx)
	require.NoError(t, err)

	manifest, err := launch.ParseManifest(nil)
	require.NoError(t, err)
	info, err := launch.Build(md, manifest, manifest)
	require.NoError(t, err)

	result, err := s.Proceed(ctx, info)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, uint64(2), s.Stats().Dropped, "MMAP_START and MMAP_END have no handler")
	assert.Zero(t, s.Stats().CallbackReplies)
}

func TestRequestWithInvalidSessionClosesConnection(t *testing.T) {
	url := startMock(t, &Config{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	announce, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHandshake, announce.Type)
	assert.NotEmpty(t, announce.SessionID)
	assert.Nil(t, announce.Status, "the greeting must not complete a request")

	req, err := protocol.Encode(protocol.NewFetchMapperRequest(announce.SessionID))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, req))

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestHealthz(t *testing.T) {
	srv, err := New(&Config{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenIssuer(t *testing.T) {
	ti := &tokenIssuer{secret: []byte("k"), ttl: time.Minute}

	token, err := ti.issue("alice", "conn-1")
	require.NoError(t, err)
	claims, err := ti.validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "conn-1", claims.ID)

	other := &tokenIssuer{secret: []byte("other"), ttl: time.Minute}
	_, err = other.validate(token)
	assert.Error(t, err)

	expired := &tokenIssuer{secret: []byte("k"), ttl: -time.Minute}
	token, err = expired.issue("alice", "conn-1")
	require.NoError(t, err)
	_, err = ti.validate(token)
	assert.Error(t, err)
}

func TestUserStore(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	require.NoError(t, err)

	store, err := newUserStore([]UserConfig{
		{Username: "alice", Password: "secret"},
		{Username: "bob", PasswordHash: string(hash)},
	}, bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, store.verify("alice", "secret"))
	assert.False(t, store.verify("alice", "nope"))
	assert.True(t, store.verify("bob", "hashed"))
	assert.False(t, store.verify("carol", "secret"))

	_, err = newUserStore([]UserConfig{{Password: "x"}}, bcrypt.MinCost)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:0
users:
  - username: alice
    password: secret
init_exports: [offset_test]
always_notify_lifecycle: true
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen)
	assert.Equal(t, "/ws/", cfg.Path)
	assert.Equal(t, []string{"offset_test"}, cfg.InitExports)
	assert.True(t, cfg.AlwaysNotifyLifecycle)
	assert.Equal(t, uint64(0x1000), cfg.PageSize)
	require.Len(t, cfg.Users, 1)
}

func TestStartAndStop(t *testing.T) {
	srv, err := New(&Config{Listen: "127.0.0.1:0", BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}
