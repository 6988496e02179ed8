package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/proxmox"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
)

// VMHandler serves guest discovery on live nodes and the registry of guests
// materialized on destination nodes.
type VMHandler struct {
	nodes    repositories.NodeRepository
	registry repositories.VMRegistryRepository
	pve      *proxmox.Ops
	audit    *auditor
	logger   *zap.Logger
}

func NewVMHandler(nodes repositories.NodeRepository, registry repositories.VMRegistryRepository, pve *proxmox.Ops, audit *auditor, logger *zap.Logger) *VMHandler {
	return &VMHandler{
		nodes:    nodes,
		registry: registry,
		pve:      pve,
		audit:    audit,
		logger:   logger.Named("vm_handler"),
	}
}

func (h *VMHandler) target(w http.ResponseWriter, r *http.Request) (*db.Node, sshexec.Target, bool) {
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

type guestResponse struct {
	VMID   int    `json:"vm_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Type   string `json:"type"`
}

// ListGuests handles GET /api/v1/nodes/{id}/guests.
func (h *VMHandler) ListGuests(w http.ResponseWriter, r *http.Request) {
	node, target, ok := h.target(w, r)
	if !ok {
		return
	}

	guests, err := h.pve.ListGuests(r.Context(), target)
	if err != nil {
		h.logger.Error("listing guests",
			zap.String("node", node.Name), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "guest listing failed: "+err.Error(), "node_unreachable")
		return
	}

	items := make([]guestResponse, 0, len(guests))
	for _, g := range guests {
		items = append(items, guestResponse{
			VMID:   g.VMID,
			Name:   g.Name,
			Status: g.Status,
			Type:   string(g.Kind),
		})
	}
	Ok(w, map[string]any{"items": items, "total": len(items)})
}

type diskResponse struct {
	Name      string `json:"name"`
	Storage   string `json:"storage"`
	Volume    string `json:"volume"`
	Dataset   string `json:"dataset,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ListDisks handles GET /api/v1/nodes/{id}/guests/{vmid}/disks?type=qemu.
// The dataset field tells the UI which jobs to offer for a disk; non-ZFS
// disks come back with it empty.
func (h *VMHandler) ListDisks(w http.ResponseWriter, r *http.Request) {
	node, target, ok := h.target(w, r)
	if !ok {
		return
	}
	vmid, err := strconv.Atoi(chi.URLParam(r, "vmid"))
	if err != nil || vmid <= 0 {
		ErrBadRequest(w, "invalid vmid")
		return
	}
	kind := proxmox.GuestKind(r.URL.Query().Get("type"))
	if !kind.Valid() {
		ErrBadRequest(w, "type must be qemu or lxc")
		return
	}

	disks, err := h.pve.Disks(r.Context(), target, kind, vmid)
	if err != nil {
		h.logger.Error("listing guest disks",
			zap.String("node", node.Name), zap.Int("vmid", vmid), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "disk listing failed: "+err.Error(), "node_unreachable")
		return
	}

	items := make([]diskResponse, 0, len(disks))
	for _, d := range disks {
		items = append(items, diskResponse{
			Name:      d.Name,
			Storage:   d.Storage,
			Volume:    d.Volume,
			Dataset:   d.Dataset,
			SizeBytes: d.SizeBytes,
		})
	}
	Ok(w, map[string]any{"items": items, "total": len(items)})
}

// NextVMID handles GET /api/v1/nodes/{id}/next-vmid.
func (h *VMHandler) NextVMID(w http.ResponseWriter, r *http.Request) {
	node, target, ok := h.target(w, r)
	if !ok {
		return
	}
	id, err := h.pve.NextVMID(r.Context(), target)
	if err != nil {
		h.logger.Error("next vmid",
			zap.String("node", node.Name), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "next vmid lookup failed: "+err.Error(), "node_unreachable")
		return
	}
	Ok(w, map[string]int{"vmid": id})
}

type registryEntryResponse struct {
	ID             string     `json:"id"`
	VMID           int        `json:"vm_id"`
	VMType         string     `json:"vm_type"`
	VMName         string     `json:"vm_name,omitempty"`
	SourceNodeID   string     `json:"source_node_id"`
	SourceDataset  string     `json:"source_dataset"`
	DestNodeID     string     `json:"dest_node_id"`
	DestDataset    string     `json:"dest_dataset"`
	IsRegistered   bool       `json:"is_registered"`
	RegisteredVMID int        `json:"registered_vm_id,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func registryToResponse(e *db.VMRegistry) registryEntryResponse {
	return registryEntryResponse{
		ID:             e.ID.String(),
		VMID:           e.VMID,
		VMType:         e.VMType,
		VMName:         e.VMName,
		SourceNodeID:   e.SourceNodeID.String(),
		SourceDataset:  e.SourceDataset,
		DestNodeID:     e.DestNodeID.String(),
		DestDataset:    e.DestDataset,
		IsRegistered:   e.IsRegistered,
		RegisteredVMID: e.RegisteredVMID,
		LastSyncAt:     e.LastSyncAt,
		CreatedAt:      e.CreatedAt,
	}
}

// ListRegistry handles GET /api/v1/vm-registry.
func (h *VMHandler) ListRegistry(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.registry.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("listing vm registry", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]registryEntryResponse, 0, len(entries))
	for i := range entries {
		items = append(items, registryToResponse(&entries[i]))
	}
	Ok(w, map[string]any{"items": items, "total": total})
}

// Unregister handles POST /api/v1/vm-registry/{id}/unregister: it removes
// the guest config from the destination node (the replicated data stays) and
// clears the registered flag. A running guest is refused.
func (h *VMHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.registry.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching registry entry", zap.Error(err))
		ErrInternal(w)
		return
	}
	if !entry.IsRegistered {
		ErrUnprocessable(w, "guest is not registered")
		return
	}

	dest, err := h.nodes.GetByID(r.Context(), entry.DestNodeID)
	if err != nil {
		h.logger.Error("fetching destination node", zap.Error(err))
		ErrInternal(w)
		return
	}
	target := sshexec.Target{
		Host:    dest.Hostname,
		Port:    dest.SSHPort,
		User:    dest.SSHUser,
		KeyPath: dest.SSHKeyPath,
	}

	vmid := entry.RegisteredVMID
	if vmid == 0 {
		vmid = entry.VMID
	}
	if err := h.pve.UnregisterGuest(r.Context(), target, proxmox.GuestKind(entry.VMType), vmid); err != nil {
		if errors.Is(err, proxmox.ErrGuestRunning) {
			ErrConflict(w, "guest is running on the destination node, stop it first")
			return
		}
		h.logger.Error("unregistering guest",
			zap.Int("vmid", vmid), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "unregister failed: "+err.Error(), "node_unreachable")
		return
	}

	entry.IsRegistered = false
	entry.RegisteredVMID = 0
	if err := h.registry.Upsert(r.Context(), entry); err != nil {
		h.logger.Error("updating registry entry", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "unregister_vm", "vm_registry", entry.ID.String(), strconv.Itoa(vmid))
	Ok(w, registryToResponse(entry))
}

// DeleteRegistryEntry handles DELETE /api/v1/vm-registry/{id}. It only drops
// the tracking row; the guest on the destination node is untouched.
func (h *VMHandler) DeleteRegistryEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("deleting registry entry", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "delete_vm_registry", "vm_registry", id.String(), "")
	NoContent(w)
}
