package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// DatasetHandler serves the cached ZFS dataset inventory and the per-dataset
// snapshot retention settings.
type DatasetHandler struct {
	datasets repositories.DatasetRepository
	nodes    repositories.NodeRepository
	audit    *auditor
	logger   *zap.Logger
}

func NewDatasetHandler(datasets repositories.DatasetRepository, nodes repositories.NodeRepository, audit *auditor, logger *zap.Logger) *DatasetHandler {
	return &DatasetHandler{
		datasets: datasets,
		nodes:    nodes,
		audit:    audit,
		logger:   logger.Named("dataset_handler"),
	}
}

type datasetResponse struct {
	ID             string     `json:"id"`
	NodeID         string     `json:"node_id"`
	Name           string     `json:"name"`
	Mountpoint     string     `json:"mountpoint,omitempty"`
	Used           string     `json:"used"`
	Available      string     `json:"available"`
	SnapshotCount  int        `json:"snapshot_count"`
	SanoidEnabled  bool       `json:"sanoid_enabled"`
	SanoidTemplate string     `json:"sanoid_template"`
	Hourly         int        `json:"hourly"`
	Daily          int        `json:"daily"`
	Weekly         int        `json:"weekly"`
	Monthly        int        `json:"monthly"`
	Yearly         int        `json:"yearly"`
	Autosnap       bool       `json:"autosnap"`
	Autoprune      bool       `json:"autoprune"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at,omitempty"`
	RefreshedAt    time.Time  `json:"refreshed_at"`
}

func datasetToResponse(d *db.Dataset) datasetResponse {
	return datasetResponse{
		ID:             d.ID.String(),
		NodeID:         d.NodeID.String(),
		Name:           d.Name,
		Mountpoint:     d.Mountpoint,
		Used:           d.Used,
		Available:      d.Available,
		SnapshotCount:  d.SnapshotCount,
		SanoidEnabled:  d.SanoidEnabled,
		SanoidTemplate: d.SanoidTemplate,
		Hourly:         d.Hourly,
		Daily:          d.Daily,
		Weekly:         d.Weekly,
		Monthly:        d.Monthly,
		Yearly:         d.Yearly,
		Autosnap:       d.Autosnap,
		Autoprune:      d.Autoprune,
		LastSnapshotAt: d.LastSnapshotAt,
		RefreshedAt:    d.RefreshedAt,
	}
}

type listDatasetsResponse struct {
	Items []datasetResponse `json:"items"`
	Total int               `json:"total"`
}

// ListByNode handles GET /api/v1/nodes/{id}/datasets.
func (h *DatasetHandler) ListByNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	datasets, err := h.datasets.ListByNode(r.Context(), nodeID)
	if err != nil {
		h.logger.Error("listing datasets", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]datasetResponse, 0, len(datasets))
	for i := range datasets {
		items = append(items, datasetToResponse(&datasets[i]))
	}
	Ok(w, listDatasetsResponse{Items: items, Total: len(items)})
}

type updateDatasetRequest struct {
	SanoidEnabled  *bool   `json:"sanoid_enabled"`
	SanoidTemplate *string `json:"sanoid_template"`
	Hourly         *int    `json:"hourly"`
	Daily          *int    `json:"daily"`
	Weekly         *int    `json:"weekly"`
	Monthly        *int    `json:"monthly"`
	Yearly         *int    `json:"yearly"`
	Autosnap       *bool   `json:"autosnap"`
	Autoprune      *bool   `json:"autoprune"`
}

// Update handles PATCH /api/v1/datasets/{id}, adjusting retention settings.
// Observed fields (size, counts) are owned by the refresh and not writable.
func (h *DatasetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateDatasetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	dataset, err := h.datasets.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching dataset", zap.Error(err))
		ErrInternal(w)
		return
	}

	for _, count := range []*int{req.Hourly, req.Daily, req.Weekly, req.Monthly, req.Yearly} {
		if count != nil && *count < 0 {
			ErrUnprocessable(w, "retention counts must be zero or positive")
			return
		}
	}

	if req.SanoidEnabled != nil {
		dataset.SanoidEnabled = *req.SanoidEnabled
	}
	if req.SanoidTemplate != nil && *req.SanoidTemplate != "" {
		dataset.SanoidTemplate = *req.SanoidTemplate
	}
	if req.Hourly != nil {
		dataset.Hourly = *req.Hourly
	}
	if req.Daily != nil {
		dataset.Daily = *req.Daily
	}
	if req.Weekly != nil {
		dataset.Weekly = *req.Weekly
	}
	if req.Monthly != nil {
		dataset.Monthly = *req.Monthly
	}
	if req.Yearly != nil {
		dataset.Yearly = *req.Yearly
	}
	if req.Autosnap != nil {
		dataset.Autosnap = *req.Autosnap
	}
	if req.Autoprune != nil {
		dataset.Autoprune = *req.Autoprune
	}

	if err := h.datasets.Update(r.Context(), dataset); err != nil {
		h.logger.Error("updating dataset", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "update_dataset", "dataset", dataset.ID.String(), dataset.Name)
	Ok(w, datasetToResponse(dataset))
}
