package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/grandir66/sanoid-manager/internal/zfs"
)

// SnapshotHandler serves ad-hoc snapshot listing, creation and destruction
// on live nodes. These go straight to zfs over SSH, not through the cache.
type SnapshotHandler struct {
	nodes  repositories.NodeRepository
	zfs    *zfs.Ops
	audit  *auditor
	logger *zap.Logger
}

func NewSnapshotHandler(nodes repositories.NodeRepository, zfsOps *zfs.Ops, audit *auditor, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		nodes:  nodes,
		zfs:    zfsOps,
		audit:  audit,
		logger: logger.Named("snapshot_handler"),
	}
}

func (h *SnapshotHandler) target(w http.ResponseWriter, r *http.Request) (*db.Node, sshexec.Target, bool) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return nil, sshexec.Target{}, false
	}
	node, err := h.nodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, sshexec.Target{}, false
		}
		h.logger.Error("fetching node", zap.Error(err))
		ErrInternal(w)
		return nil, sshexec.Target{}, false
	}
	return node, sshexec.Target{
		Host:    node.Hostname,
		Port:    node.SSHPort,
		User:    node.SSHUser,
		KeyPath: node.SSHKeyPath,
	}, true
}

type snapshotResponse struct {
	FullName string `json:"full_name"`
	Dataset  string `json:"dataset"`
	Name     string `json:"name"`
	Used     string `json:"used"`
	Creation string `json:"creation"`
}

type listSnapshotsResponse struct {
	Items []snapshotResponse `json:"items"`
	Total int                `json:"total"`
}

// List handles GET /api/v1/nodes/{id}/snapshots?dataset=...
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	node, target, ok := h.target(w, r)
	if !ok {
		return
	}

	snapshots, err := h.zfs.ListSnapshots(r.Context(), target, r.URL.Query().Get("dataset"))
	if err != nil {
		h.logger.Error("listing snapshots",
			zap.String("node", node.Name), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "snapshot listing failed: "+err.Error(), "node_unreachable")
		return
	}

	items := make([]snapshotResponse, 0, len(snapshots))
	for _, s := range snapshots {
		items = append(items, snapshotResponse{
			FullName: s.FullName,
			Dataset:  s.Dataset,
			Name:     s.Name,
			Used:     s.Used,
			Creation: s.Creation,
		})
	}
	Ok(w, listSnapshotsResponse{Items: items, Total: len(items)})
}

type createSnapshotRequest struct {
	Dataset   string `json:"dataset"`
	Name      string `json:"name"`
	Recursive bool   `json:"recursive"`
}

// Create handles POST /api/v1/nodes/{id}/snapshots.
func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	node, target, ok := h.target(w, r)
	if !ok {
		return
	}
	var req createSnapshotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Dataset == "" || req.Name == "" {
		ErrUnprocessable(w, "dataset and name are required")
		return
	}
	if strings.ContainsAny(req.Name, "@/ ") {
		ErrUnprocessable(w, "snapshot name must not contain '@', '/' or spaces")
		return
	}

	if err := h.zfs.CreateSnapshot(r.Context(), target, req.Dataset, req.Name, req.Recursive); err != nil {
		h.logger.Error("creating snapshot",
			zap.String("node", node.Name), zap.String("dataset", req.Dataset), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "snapshot creation failed: "+err.Error(), "zfs_error")
		return
	}

	full := req.Dataset + "@" + req.Name
	h.audit.record(r, "create_snapshot", "snapshot", full, node.Name)
	Created(w, snapshotResponse{FullName: full, Dataset: req.Dataset, Name: req.Name})
}

type destroySnapshotRequest struct {
	FullName string `json:"full_name"`
}

// Destroy handles POST /api/v1/nodes/{id}/snapshots/destroy. Destruction is
// a body-carried POST because snapshot names contain '@' and '/'.
func (h *SnapshotHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	node, target, ok := h.target(w, r)
	if !ok {
		return
	}
	var req destroySnapshotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !strings.Contains(req.FullName, "@") {
		ErrUnprocessable(w, "full_name must be dataset@snapshot")
		return
	}

	if err := h.zfs.DestroySnapshot(r.Context(), target, req.FullName); err != nil {
		h.logger.Error("destroying snapshot",
			zap.String("node", node.Name), zap.String("snapshot", req.FullName), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "snapshot destruction failed: "+err.Error(), "zfs_error")
		return
	}

	h.audit.record(r, "destroy_snapshot", "snapshot", req.FullName, node.Name)
	NoContent(w)
}
