// Package server implements the development backend the sync daemon talks
// to: a document store with the same REST and realtime-subscription
// semantics as the production KidBox backend, sufficient for local
// development and end-to-end tests.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const deviceIDContextKey = "kidbox_device_id"

var (
	errMissingTokenIssuer = errors.New("device token issuer dependency required")
	errMissingDatabase    = errors.New("database dependency required")
	errMissingDispatcher  = errors.New("realtime dispatcher dependency required")
)

// DeviceTokenManager issues and validates device-session tokens.
type DeviceTokenManager interface {
	IssueDeviceToken(deviceID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies describes the devserver's injected collaborators.
type Dependencies struct {
	Tokens     DeviceTokenManager
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Logger     *zap.Logger
	Clock      func() time.Time
}

// NewHTTPHandler builds the devserver's HTTP surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		db:         deps.Database,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		clock:      clock,
		revoked:    make(map[string]struct{}),
	}

	router.POST("/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/admin/families/:family/revoke", handler.handleRevoke)

	scoped := protected.Group("/v1/families/:family")
	scoped.Use(handler.rejectRevoked)
	scoped.PUT("/:kind/:id", handler.handleUpsert)
	scoped.DELETE("/:kind/:id", handler.handleDelete)
	scoped.POST("/:kind/:id/soft-delete", handler.handleSoftDelete)
	scoped.GET("/:kind/changes", handler.handleChanges)
	scoped.GET("/:kind/subscribe", handler.handleSubscribe)

	return router, nil
}

type httpHandler struct {
	tokens     DeviceTokenManager
	db         *gorm.DB
	dispatcher *Dispatcher
	logger     *zap.Logger
	clock      func() time.Time

	revokedMu sync.RWMutex
	revoked   map[string]struct{}
}

type deviceAuthPayload struct {
	DeviceID string `json:"device_id"`
}

type deviceAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deviceID, err := family.NewActorID(request.DeviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(deviceID.String())
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, deviceAuthResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("device token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}

func (h *httpHandler) handleRevoke(c *gin.Context) {
	familyID, err := family.NewFamilyID(c.Param("family"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_family"})
		return
	}
	h.revokedMu.Lock()
	h.revoked[familyID.String()] = struct{}{}
	h.revokedMu.Unlock()
	h.logger.Info("family access revoked", zap.String("family_id", familyID.String()))
	c.JSON(http.StatusOK, gin.H{"revoked": familyID.String()})
}

func (h *httpHandler) rejectRevoked(c *gin.Context) {
	familyID := c.Param("family")
	h.revokedMu.RLock()
	_, revoked := h.revoked[familyID]
	h.revokedMu.RUnlock()
	if revoked {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}
	c.Next()
}

func (h *httpHandler) scopedParams(c *gin.Context) (string, string, string, bool) {
	familyID, err := family.NewFamilyID(c.Param("family"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_family"})
		return "", "", "", false
	}
	kindParam := c.Param("kind")
	if _, err := family.ParseKind(kindParam); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return "", "", "", false
	}
	// The changes and subscribe routes carry no document id.
	rawID := c.Param("id")
	if rawID == "" {
		return familyID.String(), kindParam, "", true
	}
	id, err := family.NewEntityID(rawID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return "", "", "", false
	}
	return familyID.String(), kindParam, id.String(), true
}

func (h *httpHandler) handleUpsert(c *gin.Context) {
	familyID, kind, id, ok := h.scopedParams(c)
	if !ok {
		return
	}

	var envelope remote.Envelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	doc := docFromEnvelope(familyID, kind, id, envelope)
	err := h.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&doc).Error
	if err != nil {
		h.logger.Error("failed to store document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
		return
	}

	h.dispatcher.Publish(familyID, kind, remote.ChangeBatch{Upserts: []remote.Envelope{doc.Envelope()}})
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	familyID, kind, id, ok := h.scopedParams(c)
	if !ok {
		return
	}

	err := h.db.
		Where("family_id = ? AND kind = ? AND doc_id = ?", familyID, kind, id).
		Delete(&RemoteDoc{}).Error
	if err != nil {
		h.logger.Error("failed to delete document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	h.dispatcher.Publish(familyID, kind, remote.ChangeBatch{Removes: []string{id}})
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *httpHandler) handleSoftDelete(c *gin.Context) {
	familyID, kind, id, ok := h.scopedParams(c)
	if !ok {
		return
	}

	var doc RemoteDoc
	err := h.db.
		Where("family_id = ? AND kind = ? AND doc_id = ?", familyID, kind, id).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}

	now := h.clock().UTC().Unix()
	doc.IsDeleted = true
	doc.UpdatedAtSeconds = &now
	if err := h.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&doc).Error; err != nil {
		h.logger.Error("failed to soft-delete document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
		return
	}

	h.dispatcher.Publish(familyID, kind, remote.ChangeBatch{Upserts: []remote.Envelope{doc.Envelope()}})
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	familyID, kind, _, ok := h.scopedParams(c)
	if !ok {
		return
	}

	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}

	var docs []RemoteDoc
	err := h.db.
		Where("family_id = ? AND kind = ?", familyID, kind).
		Where("COALESCE(updated_at_s, created_at_s) > ?", since).
		Order("COALESCE(updated_at_s, created_at_s) ASC").
		Find(&docs).Error
	if err != nil {
		h.logger.Error("failed to list changed documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	changes := make([]remote.Envelope, 0, len(docs))
	for _, doc := range docs {
		changes = append(changes, doc.Envelope())
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

const heartbeatInterval = 15 * time.Second

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	familyID, kind, _, ok := h.scopedParams(c)
	if !ok {
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), familyID, kind)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			return true
		case batch, open := <-stream:
			if !open {
				return false
			}
			encoded, err := encodeBatch(batch)
			if err != nil {
				h.logger.Error("failed to encode realtime batch", zap.Error(err))
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", encoded)
			return true
		}
	})
}
