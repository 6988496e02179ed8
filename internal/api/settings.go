package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/notification"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// secretMask is what the API returns in place of a stored secret. Receiving
// it back on update means "keep the stored value".
const secretMask = "********"

// SettingsHandler serves the system configuration keys and the notification
// channel configuration. Admin only.
type SettingsHandler struct {
	settings repositories.SettingsRepository
	notifier notification.Service
	audit    *auditor
	logger   *zap.Logger
}

func NewSettingsHandler(settings repositories.SettingsRepository, notifier notification.Service, audit *auditor, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		notifier: notifier,
		audit:    audit,
		logger:   logger.Named("settings_handler"),
	}
}

type systemConfigResponse struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	ValueType   string `json:"value_type"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	IsSecret    bool   `json:"is_secret"`
}

// ListSystemConfigs handles GET /api/v1/settings/system.
func (h *SettingsHandler) ListSystemConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.settings.ListSystemConfigs(r.Context())
	if err != nil {
		h.logger.Error("listing system configs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]systemConfigResponse, 0, len(configs))
	for _, c := range configs {
		resp := systemConfigResponse{
			Key:         c.Key,
			Value:       c.Value,
			ValueType:   c.ValueType,
			Category:    c.Category,
			Description: c.Description,
			IsSecret:    c.IsSecret,
		}
		if c.IsSecret && c.Value != "" {
			resp.Value = secretMask
		}
		items = append(items, resp)
	}
	Ok(w, map[string]any{"items": items, "total": len(items)})
}

type setSystemConfigRequest struct {
	Value string `json:"value"`
}

// SetSystemConfig handles PUT /api/v1/settings/system/{key}. Only seeded
// keys are writable; unknown keys 404.
func (h *SettingsHandler) SetSystemConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setSystemConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	current, err := h.settings.GetSystemConfig(r.Context(), key)
	if err != nil {
		ErrNotFound(w)
		return
	}
	if current.IsSecret && req.Value == secretMask {
		Ok(w, systemConfigResponse{Key: key, Value: secretMask, ValueType: current.ValueType, Category: current.Category, IsSecret: true})
		return
	}

	if err := h.settings.SetSystemConfig(r.Context(), key, req.Value); err != nil {
		h.logger.Error("setting system config", zap.String("key", key), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "set_system_config", "system_config", key, "")
	resp := systemConfigResponse{Key: key, Value: req.Value, ValueType: current.ValueType, Category: current.Category, IsSecret: current.IsSecret}
	if current.IsSecret && req.Value != "" {
		resp.Value = secretMask
	}
	Ok(w, resp)
}

type notificationConfigResponse struct {
	SMTPEnabled       bool   `json:"smtp_enabled"`
	SMTPHost          string `json:"smtp_host"`
	SMTPPort          int    `json:"smtp_port"`
	SMTPUser          string `json:"smtp_user"`
	SMTPPassword      string `json:"smtp_password"`
	SMTPFrom          string `json:"smtp_from"`
	SMTPTo            string `json:"smtp_to"`
	SMTPSubjectPrefix string `json:"smtp_subject_prefix"`
	SMTPTLS           bool   `json:"smtp_tls"`

	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookURL     string `json:"webhook_url"`
	WebhookSecret  string `json:"webhook_secret"`

	TelegramEnabled  bool   `json:"telegram_enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`

	NotifyOnSuccess bool `json:"notify_on_success"`
	NotifyOnFailure bool `json:"notify_on_failure"`
	NotifyOnWarning bool `json:"notify_on_warning"`
}

func notificationConfigToResponse(cfg *db.NotificationConfig) notificationConfigResponse {
	resp := notificationConfigResponse{
		SMTPEnabled:       cfg.SMTPEnabled,
		SMTPHost:          cfg.SMTPHost,
		SMTPPort:          cfg.SMTPPort,
		SMTPUser:          cfg.SMTPUser,
		SMTPFrom:          cfg.SMTPFrom,
		SMTPTo:            cfg.SMTPTo,
		SMTPSubjectPrefix: cfg.SMTPSubjectPrefix,
		SMTPTLS:           cfg.SMTPTLS,
		WebhookEnabled:    cfg.WebhookEnabled,
		WebhookURL:        cfg.WebhookURL,
		TelegramEnabled:   cfg.TelegramEnabled,
		TelegramChatID:    cfg.TelegramChatID,
		NotifyOnSuccess:   cfg.NotifyOnSuccess,
		NotifyOnFailure:   cfg.NotifyOnFailure,
		NotifyOnWarning:   cfg.NotifyOnWarning,
	}
	if cfg.SMTPPassword != "" {
		resp.SMTPPassword = secretMask
	}
	if cfg.WebhookSecret != "" {
		resp.WebhookSecret = secretMask
	}
	if cfg.TelegramBotToken != "" {
		resp.TelegramBotToken = secretMask
	}
	return resp
}

// GetNotificationConfig handles GET /api/v1/settings/notifications.
func (h *SettingsHandler) GetNotificationConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.GetNotificationConfig(r.Context())
	if err != nil {
		h.logger.Error("fetching notification config", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, notificationConfigToResponse(cfg))
}

type updateNotificationConfigRequest struct {
	SMTPEnabled       *bool   `json:"smtp_enabled"`
	SMTPHost          *string `json:"smtp_host"`
	SMTPPort          *int    `json:"smtp_port"`
	SMTPUser          *string `json:"smtp_user"`
	SMTPPassword      *string `json:"smtp_password"`
	SMTPFrom          *string `json:"smtp_from"`
	SMTPTo            *string `json:"smtp_to"`
	SMTPSubjectPrefix *string `json:"smtp_subject_prefix"`
	SMTPTLS           *bool   `json:"smtp_tls"`

	WebhookEnabled *bool   `json:"webhook_enabled"`
	WebhookURL     *string `json:"webhook_url"`
	WebhookSecret  *string `json:"webhook_secret"`

	TelegramEnabled  *bool   `json:"telegram_enabled"`
	TelegramBotToken *string `json:"telegram_bot_token"`
	TelegramChatID   *string `json:"telegram_chat_id"`

	NotifyOnSuccess *bool `json:"notify_on_success"`
	NotifyOnFailure *bool `json:"notify_on_failure"`
	NotifyOnWarning *bool `json:"notify_on_warning"`
}

// UpdateNotificationConfig handles PUT /api/v1/settings/notifications. A
// secret field carrying the mask keeps its stored value.
func (h *SettingsHandler) UpdateNotificationConfig(w http.ResponseWriter, r *http.Request) {
	var req updateNotificationConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := h.settings.GetNotificationConfig(r.Context())
	if err != nil {
		h.logger.Error("fetching notification config", zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.SMTPEnabled != nil {
		cfg.SMTPEnabled = *req.SMTPEnabled
	}
	if req.SMTPHost != nil {
		cfg.SMTPHost = *req.SMTPHost
	}
	if req.SMTPPort != nil && *req.SMTPPort > 0 && *req.SMTPPort <= 65535 {
		cfg.SMTPPort = *req.SMTPPort
	}
	if req.SMTPUser != nil {
		cfg.SMTPUser = *req.SMTPUser
	}
	if req.SMTPPassword != nil && *req.SMTPPassword != secretMask {
		cfg.SMTPPassword = db.EncryptedString(*req.SMTPPassword)
	}
	if req.SMTPFrom != nil {
		cfg.SMTPFrom = *req.SMTPFrom
	}
	if req.SMTPTo != nil {
		cfg.SMTPTo = *req.SMTPTo
	}
	if req.SMTPSubjectPrefix != nil {
		cfg.SMTPSubjectPrefix = *req.SMTPSubjectPrefix
	}
	if req.SMTPTLS != nil {
		cfg.SMTPTLS = *req.SMTPTLS
	}
	if req.WebhookEnabled != nil {
		cfg.WebhookEnabled = *req.WebhookEnabled
	}
	if req.WebhookURL != nil {
		cfg.WebhookURL = *req.WebhookURL
	}
	if req.WebhookSecret != nil && *req.WebhookSecret != secretMask {
		cfg.WebhookSecret = db.EncryptedString(*req.WebhookSecret)
	}
	if req.TelegramEnabled != nil {
		cfg.TelegramEnabled = *req.TelegramEnabled
	}
	if req.TelegramBotToken != nil && *req.TelegramBotToken != secretMask {
		cfg.TelegramBotToken = db.EncryptedString(*req.TelegramBotToken)
	}
	if req.TelegramChatID != nil {
		cfg.TelegramChatID = *req.TelegramChatID
	}
	if req.NotifyOnSuccess != nil {
		cfg.NotifyOnSuccess = *req.NotifyOnSuccess
	}
	if req.NotifyOnFailure != nil {
		cfg.NotifyOnFailure = *req.NotifyOnFailure
	}
	if req.NotifyOnWarning != nil {
		cfg.NotifyOnWarning = *req.NotifyOnWarning
	}

	if err := h.settings.UpdateNotificationConfig(r.Context(), cfg); err != nil {
		h.logger.Error("updating notification config", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "update_notification_config", "notification_config", "", "")
	Ok(w, notificationConfigToResponse(cfg))
}

// TestNotification handles POST /api/v1/settings/notifications/test. It
// pushes a synthetic event through every enabled channel.
func (h *SettingsHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	h.notifier.NotifyJobResult(r.Context(), notification.JobEvent{
		JobName:     "test notification",
		Status:      "warning",
		Source:      "manager",
		Destination: "configured channels",
		Duration:    0,
		Error:       "this is a test message sent at " + time.Now().UTC().Format(time.RFC3339),
	})
	Accepted(w, map[string]string{"status": "sent"})
}
