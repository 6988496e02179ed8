package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/executor"
	"github.com/grandir66/sanoid-manager/internal/proxmox"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/scheduler"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/grandir66/sanoid-manager/internal/zfs"
)

// JobHandler serves sync job CRUD, manual runs and guest disk groups. Every
// write is mirrored into the scheduler so the next-fire table stays in step
// with the database.
type JobHandler struct {
	jobs      repositories.SyncJobRepository
	nodes     repositories.NodeRepository
	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	zfs       *zfs.Ops
	audit     *auditor
	logger    *zap.Logger
}

func NewJobHandler(jobs repositories.SyncJobRepository, nodes repositories.NodeRepository, sched *scheduler.Scheduler, exec *executor.Executor, zfsOps *zfs.Ops, audit *auditor, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		nodes:     nodes,
		scheduler: sched,
		executor:  exec,
		zfs:       zfsOps,
		audit:     audit,
		logger:    logger.Named("job_handler"),
	}
}

type jobResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SourceNodeID  string `json:"source_node_id"`
	SourceDataset string `json:"source_dataset"`
	DestNodeID    string `json:"dest_node_id"`
	DestDataset   string `json:"dest_dataset"`

	Recursive   bool   `json:"recursive"`
	Compress    string `json:"compress"`
	MbufferSize string `json:"mbuffer_size"`
	NoSyncSnap  bool   `json:"no_sync_snap"`
	ForceDelete bool   `json:"force_delete"`
	ExtraArgs   string `json:"extra_args,omitempty"`

	Schedule string `json:"schedule,omitempty"`
	IsActive bool   `json:"is_active"`

	RegisterVM    bool   `json:"register_vm"`
	VMID          int    `json:"vm_id,omitempty"`
	DestVMID      int    `json:"dest_vm_id,omitempty"`
	VMType        string `json:"vm_type,omitempty"`
	VMName        string `json:"vm_name,omitempty"`
	VMGroupID     string `json:"vm_group_id,omitempty"`
	DiskName      string `json:"disk_name,omitempty"`
	SourceStorage string `json:"source_storage,omitempty"`
	DestStorage   string `json:"dest_storage,omitempty"`

	RetryOnFailure    bool `json:"retry_on_failure"`
	MaxRetries        int  `json:"max_retries"`
	RetryDelayMinutes int  `json:"retry_delay_minutes"`

	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastStatus          string     `json:"last_status,omitempty"`
	LastDuration        int        `json:"last_duration"`
	LastTransferred     string     `json:"last_transferred,omitempty"`
	RunCount            int        `json:"run_count"`
	ErrorCount          int        `json:"error_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`

	CreatedAt time.Time `json:"created_at"`
}

func jobToResponse(j *db.SyncJob) jobResponse {
	return jobResponse{
		ID:                  j.ID.String(),
		Name:                j.Name,
		SourceNodeID:        j.SourceNodeID.String(),
		SourceDataset:       j.SourceDataset,
		DestNodeID:          j.DestNodeID.String(),
		DestDataset:         j.DestDataset,
		Recursive:           j.Recursive,
		Compress:            j.Compress,
		MbufferSize:         j.MbufferSize,
		NoSyncSnap:          j.NoSyncSnap,
		ForceDelete:         j.ForceDelete,
		ExtraArgs:           j.ExtraArgs,
		Schedule:            j.Schedule,
		IsActive:            j.IsActive,
		RegisterVM:          j.RegisterVM,
		VMID:                j.VMID,
		DestVMID:            j.DestVMID,
		VMType:              j.VMType,
		VMName:              j.VMName,
		VMGroupID:           j.VMGroupID,
		DiskName:            j.DiskName,
		SourceStorage:       j.SourceStorage,
		DestStorage:         j.DestStorage,
		RetryOnFailure:      j.RetryOnFailure,
		MaxRetries:          j.MaxRetries,
		RetryDelayMinutes:   j.RetryDelayMinutes,
		LastRunAt:           j.LastRunAt,
		LastStatus:          j.LastStatus,
		LastDuration:        j.LastDuration,
		LastTransferred:     j.LastTransferred,
		RunCount:            j.RunCount,
		ErrorCount:          j.ErrorCount,
		ConsecutiveFailures: j.ConsecutiveFailures,
		CreatedAt:           j.CreatedAt,
	}
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := h.jobs.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("listing jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, jobToResponse(&jobs[i]))
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching job", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

type createJobRequest struct {
	Name          string `json:"name"`
	SourceNodeID  string `json:"source_node_id"`
	SourceDataset string `json:"source_dataset"`
	DestNodeID    string `json:"dest_node_id"`
	DestDataset   string `json:"dest_dataset"`

	Recursive   bool   `json:"recursive"`
	Compress    string `json:"compress"`
	MbufferSize string `json:"mbuffer_size"`
	NoSyncSnap  bool   `json:"no_sync_snap"`
	ForceDelete bool   `json:"force_delete"`
	ExtraArgs   string `json:"extra_args"`

	Schedule string `json:"schedule"`
	IsActive *bool  `json:"is_active"`

	RegisterVM    bool   `json:"register_vm"`
	VMID          int    `json:"vm_id"`
	DestVMID      int    `json:"dest_vm_id"`
	VMType        string `json:"vm_type"`
	VMName        string `json:"vm_name"`
	VMGroupID     string `json:"vm_group_id"`
	DiskName      string `json:"disk_name"`
	SourceStorage string `json:"source_storage"`
	DestStorage   string `json:"dest_storage"`

	RetryOnFailure    *bool `json:"retry_on_failure"`
	MaxRetries        *int  `json:"max_retries"`
	RetryDelayMinutes *int  `json:"retry_delay_minutes"`
}

func (req *createJobRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.SourceDataset == "" || req.DestDataset == "" {
		return errors.New("source_dataset and dest_dataset are required")
	}
	if req.RegisterVM {
		if req.VMID <= 0 {
			return errors.New("vm_id is required when register_vm is set")
		}
		if !proxmox.GuestKind(req.VMType).Valid() {
			return errors.New("vm_type must be qemu or lxc")
		}
	}
	switch req.Compress {
	case "", "none", "gzip", "lz4", "zstd":
	default:
		return errors.New("compress must be none, gzip, lz4 or zstd")
	}
	return nil
}

// toModel builds the job model, leaving node resolution to the caller.
func (req *createJobRequest) toModel(sourceNode, destNode uuid.UUID, createdBy uuid.UUID) *db.SyncJob {
	job := &db.SyncJob{
		Name:          req.Name,
		SourceNodeID:  sourceNode,
		SourceDataset: req.SourceDataset,
		DestNodeID:    destNode,
		DestDataset:   req.DestDataset,

		Recursive:   req.Recursive,
		Compress:    req.Compress,
		MbufferSize: req.MbufferSize,
		NoSyncSnap:  req.NoSyncSnap,
		ForceDelete: req.ForceDelete,
		ExtraArgs:   req.ExtraArgs,

		Schedule: req.Schedule,
		IsActive: true,

		RegisterVM:    req.RegisterVM,
		VMID:          req.VMID,
		DestVMID:      req.DestVMID,
		VMType:        req.VMType,
		VMName:        req.VMName,
		VMGroupID:     req.VMGroupID,
		DiskName:      req.DiskName,
		SourceStorage: req.SourceStorage,
		DestStorage:   req.DestStorage,

		RetryOnFailure:    true,
		MaxRetries:        3,
		RetryDelayMinutes: 15,
	}
	if req.Compress == "" {
		job.Compress = "lz4"
	}
	if req.MbufferSize == "" {
		job.MbufferSize = "128M"
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	if req.RetryOnFailure != nil {
		job.RetryOnFailure = *req.RetryOnFailure
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		job.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelayMinutes != nil && *req.RetryDelayMinutes > 0 {
		job.RetryDelayMinutes = *req.RetryDelayMinutes
	}
	if createdBy != uuid.Nil {
		job.CreatedBy = &createdBy
	}
	return job
}

// resolveNodes validates that both endpoints exist and differ.
func (h *JobHandler) resolveNodes(w http.ResponseWriter, r *http.Request, sourceID, destID string) (uuid.UUID, uuid.UUID, bool) {
	src, err := uuid.Parse(sourceID)
	if err != nil {
		ErrUnprocessable(w, "source_node_id is not a valid id")
		return uuid.Nil, uuid.Nil, false
	}
	dst, err := uuid.Parse(destID)
	if err != nil {
		ErrUnprocessable(w, "dest_node_id is not a valid id")
		return uuid.Nil, uuid.Nil, false
	}
	if src == dst {
		ErrUnprocessable(w, "source and destination node must differ")
		return uuid.Nil, uuid.Nil, false
	}
	for _, id := range []uuid.UUID{src, dst} {
		if _, err := h.nodes.GetByID(r.Context(), id); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrUnprocessable(w, "node "+id.String()+" does not exist")
				return uuid.Nil, uuid.Nil, false
			}
			h.logger.Error("resolving node", zap.Error(err))
			ErrInternal(w)
			return uuid.Nil, uuid.Nil, false
		}
	}
	return src, dst, true
}

func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	src, dst, ok := h.resolveNodes(w, r, req.SourceNodeID, req.DestNodeID)
	if !ok {
		return
	}

	job := req.toModel(src, dst, currentUserID(r))
	if err := h.jobs.Create(r.Context(), job); err != nil {
		if errors.Is(err, repositories.ErrInvariant) {
			ErrUnprocessable(w, "group members must share source node, destination node and guest id")
			return
		}
		h.logger.Error("creating job", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.syncScheduler(job)
	h.audit.record(r, "create_job", "sync_job", job.ID.String(), job.Name)
	Created(w, jobToResponse(job))
}

type updateJobRequest struct {
	Name        *string `json:"name"`
	DestDataset *string `json:"dest_dataset"`

	Recursive   *bool   `json:"recursive"`
	Compress    *string `json:"compress"`
	MbufferSize *string `json:"mbuffer_size"`
	NoSyncSnap  *bool   `json:"no_sync_snap"`
	ForceDelete *bool   `json:"force_delete"`
	ExtraArgs   *string `json:"extra_args"`

	Schedule *string `json:"schedule"`
	IsActive *bool   `json:"is_active"`

	RegisterVM    *bool   `json:"register_vm"`
	DestVMID      *int    `json:"dest_vm_id"`
	VMName        *string `json:"vm_name"`
	SourceStorage *string `json:"source_storage"`
	DestStorage   *string `json:"dest_storage"`

	RetryOnFailure    *bool `json:"retry_on_failure"`
	MaxRetries        *int  `json:"max_retries"`
	RetryDelayMinutes *int  `json:"retry_delay_minutes"`
}

func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil && *req.Name != "" {
		job.Name = *req.Name
	}
	if req.DestDataset != nil && *req.DestDataset != "" {
		job.DestDataset = *req.DestDataset
	}
	if req.Recursive != nil {
		job.Recursive = *req.Recursive
	}
	if req.Compress != nil {
		switch *req.Compress {
		case "none", "gzip", "lz4", "zstd":
			job.Compress = *req.Compress
		default:
			ErrUnprocessable(w, "compress must be none, gzip, lz4 or zstd")
			return
		}
	}
	if req.MbufferSize != nil && *req.MbufferSize != "" {
		job.MbufferSize = *req.MbufferSize
	}
	if req.NoSyncSnap != nil {
		job.NoSyncSnap = *req.NoSyncSnap
	}
	if req.ForceDelete != nil {
		job.ForceDelete = *req.ForceDelete
	}
	if req.ExtraArgs != nil {
		job.ExtraArgs = *req.ExtraArgs
	}
	if req.Schedule != nil {
		job.Schedule = *req.Schedule
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	if req.RegisterVM != nil {
		job.RegisterVM = *req.RegisterVM
	}
	if req.DestVMID != nil && *req.DestVMID >= 0 {
		job.DestVMID = *req.DestVMID
	}
	if req.VMName != nil {
		job.VMName = *req.VMName
	}
	if req.SourceStorage != nil {
		job.SourceStorage = *req.SourceStorage
	}
	if req.DestStorage != nil {
		job.DestStorage = *req.DestStorage
	}
	if req.RetryOnFailure != nil {
		job.RetryOnFailure = *req.RetryOnFailure
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		job.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelayMinutes != nil && *req.RetryDelayMinutes > 0 {
		job.RetryDelayMinutes = *req.RetryDelayMinutes
	}

	if err := h.jobs.Update(r.Context(), job); err != nil {
		h.logger.Error("updating job", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.syncScheduler(job)
	h.audit.record(r, "update_job", "sync_job", job.ID.String(), job.Name)
	Ok(w, jobToResponse(job))
}

func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.jobs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("deleting job", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.scheduler.RemoveJob(id)
	h.audit.record(r, "delete_job", "sync_job", id.String(), "")
	NoContent(w)
}

type runAckResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// Run handles POST /api/v1/sync-jobs/{id}/run. The run proceeds in the
// background; the response only acknowledges the start.
func (h *JobHandler) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.executor.RunNow(r.Context(), id, currentUserID(r)); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, repositories.ErrConflict):
			ErrConflict(w, "job is already running")
		default:
			h.logger.Error("starting manual run", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.audit.record(r, "run_job", "sync_job", id.String(), "")
	Accepted(w, runAckResponse{Status: "started", JobID: id.String()})
}

type commonSnapshotResponse struct {
	CommonSnapshot string `json:"common_snapshot"`
	Found          bool   `json:"found"`
}

// CommonSnapshot handles GET /api/v1/sync-jobs/{id}/common-snapshot: the
// newest snapshot name present on both endpoints of the job. An empty result
// means the next run needs a full send.
func (h *JobHandler) CommonSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching job", zap.Error(err))
		ErrInternal(w)
		return
	}

	source, err := h.nodes.GetByID(r.Context(), job.SourceNodeID)
	if err != nil {
		h.logger.Error("fetching source node", zap.Error(err))
		ErrInternal(w)
		return
	}
	dest, err := h.nodes.GetByID(r.Context(), job.DestNodeID)
	if err != nil {
		h.logger.Error("fetching dest node", zap.Error(err))
		ErrInternal(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	name, err := h.zfs.CommonSnapshot(ctx,
		nodeTarget(source), job.SourceDataset,
		nodeTarget(dest), job.DestDataset)
	if err != nil {
		h.logger.Warn("common snapshot lookup failed",
			zap.String("job", job.Name), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "snapshot listing failed on a node", "zfs_error")
		return
	}
	Ok(w, commonSnapshotResponse{CommonSnapshot: name, Found: name != ""})
}

func nodeTarget(n *db.Node) sshexec.Target {
	return sshexec.Target{
		Host:    n.Hostname,
		Port:    n.SSHPort,
		User:    n.SSHUser,
		KeyPath: n.SSHKeyPath,
	}
}

// ---------------------------------------------------------------------------
// Guest disk groups
// ---------------------------------------------------------------------------

type createGroupRequest struct {
	Name         string `json:"name"`
	SourceNodeID string `json:"source_node_id"`
	DestNodeID   string `json:"dest_node_id"`

	VMID     int    `json:"vm_id"`
	DestVMID int    `json:"dest_vm_id"`
	VMType   string `json:"vm_type"`
	VMName   string `json:"vm_name"`

	SourceStorage string `json:"source_storage"`
	DestStorage   string `json:"dest_storage"`

	Schedule string `json:"schedule"`

	RegisterVM bool `json:"register_vm"`

	Disks []groupDiskRequest `json:"disks"`
}

type groupDiskRequest struct {
	DiskName      string `json:"disk_name"`
	SourceDataset string `json:"source_dataset"`
	DestDataset   string `json:"dest_dataset"`
}

type groupResponse struct {
	GroupID string        `json:"group_id"`
	Jobs    []jobResponse `json:"jobs"`
}

// CreateGroup handles POST /api/v1/sync-jobs/groups: one job per guest disk,
// all sharing a freshly minted group id. Guest registration runs on the last
// disk only, so the config is materialized once all data has arrived.
func (h *JobHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}
	if req.VMID <= 0 {
		ErrUnprocessable(w, "vm_id is required")
		return
	}
	if !proxmox.GuestKind(req.VMType).Valid() {
		ErrUnprocessable(w, "vm_type must be qemu or lxc")
		return
	}
	if len(req.Disks) == 0 {
		ErrUnprocessable(w, "at least one disk is required")
		return
	}
	for _, d := range req.Disks {
		if d.SourceDataset == "" || d.DestDataset == "" {
			ErrUnprocessable(w, "every disk needs source_dataset and dest_dataset")
			return
		}
	}
	src, dst, ok := h.resolveNodes(w, r, req.SourceNodeID, req.DestNodeID)
	if !ok {
		return
	}

	groupID := uuid.NewString()
	createdBy := currentUserID(r)
	jobs := make([]*db.SyncJob, 0, len(req.Disks))

	for i, disk := range req.Disks {
		job := &db.SyncJob{
			Name:          fmt.Sprintf("%s (%s)", req.Name, disk.DiskName),
			SourceNodeID:  src,
			SourceDataset: disk.SourceDataset,
			DestNodeID:    dst,
			DestDataset:   disk.DestDataset,

			Compress:    "lz4",
			MbufferSize: "128M",

			Schedule: req.Schedule,
			IsActive: true,

			VMID:          req.VMID,
			DestVMID:      req.DestVMID,
			VMType:        req.VMType,
			VMName:        req.VMName,
			VMGroupID:     groupID,
			DiskName:      disk.DiskName,
			SourceStorage: req.SourceStorage,
			DestStorage:   req.DestStorage,

			RetryOnFailure:    true,
			MaxRetries:        3,
			RetryDelayMinutes: 15,
		}
		if req.RegisterVM && i == len(req.Disks)-1 {
			job.RegisterVM = true
		}
		if createdBy != uuid.Nil {
			job.CreatedBy = &createdBy
		}

		if err := h.jobs.Create(r.Context(), job); err != nil {
			// Roll back the members created so far; the group is all or
			// nothing from the caller's point of view.
			for _, created := range jobs {
				_ = h.jobs.Delete(r.Context(), created.ID)
			}
			if errors.Is(err, repositories.ErrInvariant) {
				ErrUnprocessable(w, "group members must share source node, destination node and guest id")
				return
			}
			h.logger.Error("creating group job", zap.Error(err))
			ErrInternal(w)
			return
		}
		jobs = append(jobs, job)
	}

	resp := groupResponse{GroupID: groupID}
	for _, job := range jobs {
		h.syncScheduler(job)
		resp.Jobs = append(resp.Jobs, jobToResponse(job))
	}

	h.audit.record(r, "create_job_group", "sync_job_group", groupID, req.Name)
	Created(w, resp)
}

// GetGroup handles GET /api/v1/sync-jobs/groups/{groupID}.
func (h *JobHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	jobs, err := h.jobs.ListByGroup(r.Context(), groupID)
	if err != nil {
		h.logger.Error("listing group", zap.Error(err))
		ErrInternal(w)
		return
	}
	if len(jobs) == 0 {
		ErrNotFound(w)
		return
	}
	resp := groupResponse{GroupID: groupID}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(&jobs[i]))
	}
	Ok(w, resp)
}

// RunGroup handles POST /api/v1/sync-jobs/groups/{groupID}/run, starting
// every member that is not already running. Members already running are
// skipped, not errors.
func (h *JobHandler) RunGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	jobs, err := h.jobs.ListByGroup(r.Context(), groupID)
	if err != nil {
		h.logger.Error("listing group", zap.Error(err))
		ErrInternal(w)
		return
	}
	if len(jobs) == 0 {
		ErrNotFound(w)
		return
	}

	started := 0
	userID := currentUserID(r)
	for i := range jobs {
		err := h.executor.RunNow(r.Context(), jobs[i].ID, userID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, repositories.ErrConflict):
		default:
			h.logger.Error("starting group member",
				zap.String("job", jobs[i].Name), zap.Error(err))
		}
	}

	h.audit.record(r, "run_job_group", "sync_job_group", groupID, "")
	Accepted(w, map[string]any{"status": "started", "group_id": groupID, "started": started})
}

// DeleteGroup handles DELETE /api/v1/sync-jobs/groups/{groupID}.
func (h *JobHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	jobs, err := h.jobs.ListByGroup(r.Context(), groupID)
	if err != nil {
		h.logger.Error("listing group", zap.Error(err))
		ErrInternal(w)
		return
	}
	if len(jobs) == 0 {
		ErrNotFound(w)
		return
	}

	if _, err := h.jobs.DeleteGroup(r.Context(), groupID); err != nil {
		h.logger.Error("deleting group", zap.Error(err))
		ErrInternal(w)
		return
	}
	for i := range jobs {
		h.scheduler.RemoveJob(jobs[i].ID)
	}

	h.audit.record(r, "delete_job_group", "sync_job_group", groupID, "")
	NoContent(w)
}

// syncScheduler mirrors a persisted job into the next-fire table. Scheduler
// rejection (a bad cron expression) is logged but does not undo the write;
// the job simply stays manual until corrected.
func (h *JobHandler) syncScheduler(job *db.SyncJob) {
	if err := h.scheduler.UpdateJob(job); err != nil {
		h.logger.Warn("scheduler rejected job schedule",
			zap.String("job", job.Name),
			zap.String("schedule", job.Schedule),
			zap.Error(err))
	}
}
