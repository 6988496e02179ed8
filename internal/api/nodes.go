package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/maintenance"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
)

// NodeHandler serves the hypervisor node inventory, connectivity tests and
// on-demand dataset refreshes.
type NodeHandler struct {
	nodes       repositories.NodeRepository
	prober      maintenance.Prober
	maintenance *maintenance.Service
	audit       *auditor
	logger      *zap.Logger
}

func NewNodeHandler(nodes repositories.NodeRepository, prober maintenance.Prober, maint *maintenance.Service, audit *auditor, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		nodes:       nodes,
		prober:      prober,
		maintenance: maint,
		audit:       audit,
		logger:      logger.Named("node_handler"),
	}
}

type nodeResponse struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Hostname         string     `json:"hostname"`
	SSHPort          int        `json:"ssh_port"`
	SSHUser          string     `json:"ssh_user"`
	SSHKeyPath       string     `json:"ssh_key_path"`
	ProxmoxAPIURL    string     `json:"proxmox_api_url,omitempty"`
	ProxmoxVerifySSL bool       `json:"proxmox_verify_ssl"`
	IsAuthNode       bool       `json:"is_auth_node"`
	IsActive         bool       `json:"is_active"`
	IsOnline         bool       `json:"is_online"`
	LastCheckAt      *time.Time `json:"last_check_at,omitempty"`
	SanoidInstalled  bool       `json:"sanoid_installed"`
	SanoidVersion    string     `json:"sanoid_version,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// The API token never leaves the server, not even masked.
func nodeToResponse(n *db.Node) nodeResponse {
	return nodeResponse{
		ID:               n.ID.String(),
		Name:             n.Name,
		Hostname:         n.Hostname,
		SSHPort:          n.SSHPort,
		SSHUser:          n.SSHUser,
		SSHKeyPath:       n.SSHKeyPath,
		ProxmoxAPIURL:    n.ProxmoxAPIURL,
		ProxmoxVerifySSL: n.ProxmoxVerifySSL,
		IsAuthNode:       n.IsAuthNode,
		IsActive:         n.IsActive,
		IsOnline:         n.IsOnline,
		LastCheckAt:      n.LastCheckAt,
		SanoidInstalled:  n.SanoidInstalled,
		SanoidVersion:    n.SanoidVersion,
		Notes:            n.Notes,
		CreatedAt:        n.CreatedAt,
	}
}

type listNodesResponse struct {
	Items []nodeResponse `json:"items"`
	Total int64          `json:"total"`
}

func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, total, err := h.nodes.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("listing nodes", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]nodeResponse, 0, len(nodes))
	for i := range nodes {
		items = append(items, nodeToResponse(&nodes[i]))
	}
	Ok(w, listNodesResponse{Items: items, Total: total})
}

func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	node, err := h.nodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching node", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, nodeToResponse(node))
}

type createNodeRequest struct {
	Name             string `json:"name"`
	Hostname         string `json:"hostname"`
	SSHPort          int    `json:"ssh_port"`
	SSHUser          string `json:"ssh_user"`
	SSHKeyPath       string `json:"ssh_key_path"`
	ProxmoxAPIURL    string `json:"proxmox_api_url"`
	ProxmoxAPIToken  string `json:"proxmox_api_token"`
	ProxmoxVerifySSL bool   `json:"proxmox_verify_ssl"`
	Notes            string `json:"notes"`
}

func (req *createNodeRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.Hostname == "" {
		return errors.New("hostname is required")
	}
	if req.SSHPort < 0 || req.SSHPort > 65535 {
		return errors.New("ssh_port must be between 0 and 65535")
	}
	return nil
}

func (h *NodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	node := &db.Node{
		Name:             req.Name,
		Hostname:         req.Hostname,
		SSHPort:          req.SSHPort,
		SSHUser:          req.SSHUser,
		SSHKeyPath:       req.SSHKeyPath,
		ProxmoxAPIURL:    req.ProxmoxAPIURL,
		ProxmoxAPIToken:  db.EncryptedString(req.ProxmoxAPIToken),
		ProxmoxVerifySSL: req.ProxmoxVerifySSL,
		IsActive:         true,
		Notes:            req.Notes,
	}
	if node.SSHPort == 0 {
		node.SSHPort = 22
	}
	if node.SSHUser == "" {
		node.SSHUser = "root"
	}
	if node.SSHKeyPath == "" {
		node.SSHKeyPath = "/root/.ssh/id_rsa"
	}

	if err := h.nodes.Create(r.Context(), node); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a node with this name already exists")
			return
		}
		h.logger.Error("creating node", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "create_node", "node", node.ID.String(), node.Name)
	Created(w, nodeToResponse(node))
}

type updateNodeRequest struct {
	Name             *string `json:"name"`
	Hostname         *string `json:"hostname"`
	SSHPort          *int    `json:"ssh_port"`
	SSHUser          *string `json:"ssh_user"`
	SSHKeyPath       *string `json:"ssh_key_path"`
	ProxmoxAPIURL    *string `json:"proxmox_api_url"`
	ProxmoxAPIToken  *string `json:"proxmox_api_token"`
	ProxmoxVerifySSL *bool   `json:"proxmox_verify_ssl"`
	IsActive         *bool   `json:"is_active"`
	Notes            *string `json:"notes"`
}

func (h *NodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	node, err := h.nodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching node", zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil && *req.Name != "" {
		node.Name = *req.Name
	}
	if req.Hostname != nil && *req.Hostname != "" {
		node.Hostname = *req.Hostname
	}
	if req.SSHPort != nil && *req.SSHPort > 0 && *req.SSHPort <= 65535 {
		node.SSHPort = *req.SSHPort
	}
	if req.SSHUser != nil && *req.SSHUser != "" {
		node.SSHUser = *req.SSHUser
	}
	if req.SSHKeyPath != nil && *req.SSHKeyPath != "" {
		node.SSHKeyPath = *req.SSHKeyPath
	}
	if req.ProxmoxAPIURL != nil {
		node.ProxmoxAPIURL = *req.ProxmoxAPIURL
	}
	if req.ProxmoxAPIToken != nil {
		node.ProxmoxAPIToken = db.EncryptedString(*req.ProxmoxAPIToken)
	}
	if req.ProxmoxVerifySSL != nil {
		node.ProxmoxVerifySSL = *req.ProxmoxVerifySSL
	}
	if req.IsActive != nil {
		node.IsActive = *req.IsActive
	}
	if req.Notes != nil {
		node.Notes = *req.Notes
	}

	if err := h.nodes.Update(r.Context(), node); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a node with this name already exists")
			return
		}
		h.logger.Error("updating node", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "update_node", "node", node.ID.String(), node.Name)
	Ok(w, nodeToResponse(node))
}

func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.nodes.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, repositories.ErrInvariant):
			ErrConflict(w, "active sync jobs still reference this node")
		default:
			h.logger.Error("deleting node", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.audit.record(r, "delete_node", "node", id.String(), "")
	NoContent(w)
}

type testConnectionResponse struct {
	Reachable     bool   `json:"reachable"`
	Hostname      string `json:"hostname,omitempty"`
	Error         string `json:"error,omitempty"`
	SanoidFound   bool   `json:"sanoid_found"`
	SanoidVersion string `json:"sanoid_version,omitempty"`
	SyncoidFound  bool   `json:"syncoid_found"`
}

// TestConnection probes the node over SSH and checks for the sanoid and
// syncoid binaries.
func (h *NodeHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	node, err := h.nodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching node", zap.Error(err))
		ErrInternal(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	target := sshexec.Target{
		Host:    node.Hostname,
		Port:    node.SSHPort,
		User:    node.SSHUser,
		KeyPath: node.SSHKeyPath,
	}

	resp := testConnectionResponse{}
	hostname, err := h.prober.TestConnection(ctx, target)
	if err != nil {
		resp.Error = err.Error()
		Ok(w, resp)
		return
	}
	resp.Reachable = true
	resp.Hostname = hostname

	if found, version, err := h.prober.CheckTool(ctx, target, "sanoid"); err == nil {
		resp.SanoidFound = found
		resp.SanoidVersion = version
	}
	if found, _, err := h.prober.CheckTool(ctx, target, "syncoid"); err == nil {
		resp.SyncoidFound = found
	}

	Ok(w, resp)
}

// SetAuthNode marks this node as the Proxmox authentication endpoint.
func (h *NodeHandler) SetAuthNode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	node, err := h.nodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching node", zap.Error(err))
		ErrInternal(w)
		return
	}
	if node.ProxmoxAPIURL == "" {
		ErrUnprocessable(w, "node has no proxmox api url configured")
		return
	}

	if err := h.nodes.SetAuthNode(r.Context(), id); err != nil {
		h.logger.Error("setting auth node", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "set_auth_node", "node", id.String(), node.Name)
	NoContent(w)
}

type refreshDatasetsResponse struct {
	Datasets int `json:"datasets"`
}

// RefreshDatasets re-reads the ZFS inventory of the node.
func (h *NodeHandler) RefreshDatasets(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	node, err := h.nodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching node", zap.Error(err))
		ErrInternal(w)
		return
	}

	count, err := h.maintenance.RefreshDatasets(r.Context(), node)
	if err != nil {
		h.logger.Error("refreshing datasets",
			zap.String("node", node.Name), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "dataset refresh failed: "+err.Error(), "node_unreachable")
		return
	}

	Ok(w, refreshDatasetsResponse{Datasets: count})
}
