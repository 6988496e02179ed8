package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
)

// fakeNodeRepo is an in-memory node store.
type fakeNodeRepo struct {
	repositories.NodeRepository
	mu    sync.Mutex
	nodes map[uuid.UUID]*db.Node
}

func newFakeNodeRepo(nodes ...*db.Node) *fakeNodeRepo {
	repo := &fakeNodeRepo{nodes: map[uuid.UUID]*db.Node{}}
	for _, n := range nodes {
		repo.nodes[n.ID] = n
	}
	return repo
}

func (f *fakeNodeRepo) Create(_ context.Context, node *db.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.nodes {
		if existing.Name == node.Name {
			return repositories.ErrConflict
		}
	}
	node.ID = uuid.New()
	node.CreatedAt = time.Now()
	f.nodes[node.ID] = node
	return nil
}

func (f *fakeNodeRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		node := *n
		return &node, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeNodeRepo) List(_ context.Context, _ repositories.ListOptions) ([]db.Node, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, *n)
	}
	return out, int64(len(out)), nil
}

func (f *fakeNodeRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.nodes, id)
	return nil
}

// fakeAudit records nothing, audit writes are best effort anyway.
type fakeAudit struct {
	repositories.AuditLogRepository
}

func (f *fakeAudit) Create(context.Context, *db.AuditLog) error { return nil }

// fakeNodeProber answers connectivity probes.
type fakeNodeProber struct {
	reachable bool
}

func (f *fakeNodeProber) TestConnection(context.Context, sshexec.Target) (string, error) {
	if f.reachable {
		return "pve1", nil
	}
	return "", errors.New("connection refused")
}

func (f *fakeNodeProber) CheckTool(context.Context, sshexec.Target, string) (bool, string, error) {
	return f.reachable, "sanoid version 2.2.0", nil
}

func (f *fakeNodeProber) Run(context.Context, sshexec.Target, string, time.Duration) (sshexec.Result, error) {
	return sshexec.Result{ExitCode: 1}, nil
}

func nodeRouterFor(h *NodeHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/nodes", h.List)
	r.Get("/nodes/{id}", h.Get)
	r.Post("/nodes", h.Create)
	r.Delete("/nodes/{id}", h.Delete)
	r.Post("/nodes/{id}/test-connection", h.TestConnection)
	return r
}

func testNode(name string) *db.Node {
	n := &db.Node{
		Name:       name,
		Hostname:   "192.168.1.100",
		SSHPort:    22,
		SSHUser:    "root",
		SSHKeyPath: "/root/.ssh/id_rsa",
		IsActive:   true,
	}
	n.ID = uuid.New()
	return n
}

func TestNodeCreateAndGet(t *testing.T) {
	repo := newFakeNodeRepo()
	h := NewNodeHandler(repo, &fakeNodeProber{}, nil, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := nodeRouterFor(h)

	body := `{"name":"pve1","hostname":"192.168.1.100"}`
	req := httptest.NewRequest(http.MethodPost, "/nodes", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Data nodeResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pve1", created.Data.Name)
	assert.Equal(t, 22, created.Data.SSHPort, "ssh defaults applied")
	assert.Equal(t, "root", created.Data.SSHUser)

	req = httptest.NewRequest(http.MethodGet, "/nodes/"+created.Data.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNodeCreateDuplicateName(t *testing.T) {
	repo := newFakeNodeRepo(testNode("pve1"))
	h := NewNodeHandler(repo, &fakeNodeProber{}, nil, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := nodeRouterFor(h)

	body := `{"name":"pve1","hostname":"10.0.0.2"}`
	req := httptest.NewRequest(http.MethodPost, "/nodes", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNodeCreateRejectsUnknownFields(t *testing.T) {
	repo := newFakeNodeRepo()
	h := NewNodeHandler(repo, &fakeNodeProber{}, nil, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := nodeRouterFor(h)

	body := `{"name":"pve1","hostname":"10.0.0.1","bogus":true}`
	req := httptest.NewRequest(http.MethodPost, "/nodes", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeGetUnknownID(t *testing.T) {
	h := NewNodeHandler(newFakeNodeRepo(), &fakeNodeProber{}, nil, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := nodeRouterFor(h)

	req := httptest.NewRequest(http.MethodGet, "/nodes/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/nodes/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeTestConnection(t *testing.T) {
	node := testNode("pve1")
	repo := newFakeNodeRepo(node)
	h := NewNodeHandler(repo, &fakeNodeProber{reachable: true}, nil, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := nodeRouterFor(h)

	req := httptest.NewRequest(http.MethodPost, "/nodes/"+node.ID.String()+"/test-connection", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data testConnectionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Reachable)
	assert.Equal(t, "pve1", resp.Data.Hostname)
	assert.True(t, resp.Data.SanoidFound)
}

func TestNodeTestConnectionUnreachable(t *testing.T) {
	node := testNode("pve1")
	repo := newFakeNodeRepo(node)
	h := NewNodeHandler(repo, &fakeNodeProber{reachable: false}, nil, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := nodeRouterFor(h)

	req := httptest.NewRequest(http.MethodPost, "/nodes/"+node.ID.String()+"/test-connection", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "unreachable is a result, not an error")

	var resp struct {
		Data testConnectionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Reachable)
	assert.Contains(t, resp.Data.Error, "connection refused")
}

func TestPaginationOptsClamped(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=10000&offset=20", nil)
	opts := paginationOpts(req)
	assert.Equal(t, maxPageSize, opts.Limit)
	assert.Equal(t, 20, opts.Offset)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	opts = paginationOpts(req)
	assert.Equal(t, defaultPageSize, opts.Limit)
	assert.Zero(t, opts.Offset)

	req = httptest.NewRequest(http.MethodGet, "/?limit=-5&offset=-3", nil)
	opts = paginationOpts(req)
	assert.Equal(t, defaultPageSize, opts.Limit)
	assert.Zero(t, opts.Offset)
}
