package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fluxtalk/fluxtalk/internal/chat"
	"github.com/fluxtalk/fluxtalk/internal/index"
	"github.com/fluxtalk/fluxtalk/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	chat   *chat.Service
	index  *index.Store
	logger *zap.Logger
}

func NewHandler(chatService *chat.Service, indexStore *index.Store, logger *zap.Logger) *Handler {
	return &Handler{
		chat:   chatService,
		index:  indexStore,
		logger: logger,
	}
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type CollectionRequest struct {
	Name     string         `json:"name" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

type DocumentRequest struct {
	Collection string         `json:"collection" binding:"required"`
	DocumentID string         `json:"document_id"`
	Text       string         `json:"text" binding:"required"`
	Metadata   map[string]any `json:"metadata"`
}

type SearchRequest struct {
	Collection string `json:"collection" binding:"required"`
	Query      string `json:"query" binding:"required"`
	Limit      int    `json:"limit"`
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.POST("/chat", h.Chat)

	conversations := r.Group("/conversations")
	conversations.GET("", h.ListConversations)
	conversations.GET("/:id", h.GetConversation)
	conversations.PUT("/:id", h.UpdateConversation)
	conversations.DELETE("/:id", h.DeleteConversation)
	conversations.POST("/:id/model", h.UpdateModelSource)

	chroma := r.Group("/chroma")
	chroma.GET("/collections", h.ListCollections)
	chroma.POST("/collections", h.CreateCollection)
	chroma.DELETE("/collections/:name", h.DeleteCollection)
	chroma.POST("/documents", h.UpsertDocument)
	chroma.GET("/documents/:collection", h.ListDocuments)
	chroma.POST("/search", h.Search)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.chat.Chat(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to process chat", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListConversations(c *gin.Context) {
	conversations, err := h.chat.List(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to get conversations", err)
		return
	}

	h.logger.Debug("Retrieved conversations", zap.Int("count", len(conversations)))
	c.JSON(http.StatusOK, conversations)
}

func (h *Handler) GetConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}

	view, err := h.chat.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get conversation", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	view, err := h.chat.Rename(c.Request.Context(), id, req.Title)
	if err != nil {
		h.fail(c, "Failed to update conversation", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}

	if err := h.chat.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, "Failed to delete conversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

func (h *Handler) UpdateModelSource(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}

	var src models.ModelSourceInput
	if err := c.ShouldBindJSON(&src); err != nil {
		badRequest(c, err)
		return
	}

	view, err := h.chat.SetModelSource(c.Request.Context(), id, src)
	if err != nil {
		h.fail(c, "Failed to update model source", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ListCollections(c *gin.Context) {
	names, err := h.index.ListCollections(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to list collections", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": names})
}

func (h *Handler) CreateCollection(c *gin.Context) {
	var req CollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if _, err := h.index.CreateCollection(c.Request.Context(), req.Name, req.Metadata); err != nil {
		h.fail(c, "Failed to create collection", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "created", "name": req.Name})
}

func (h *Handler) DeleteCollection(c *gin.Context) {
	name := c.Param("name")
	if err := h.index.DeleteCollection(c.Request.Context(), name); err != nil {
		h.fail(c, "Failed to delete collection", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "name": name})
}

func (h *Handler) UpsertDocument(c *gin.Context) {
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := h.index.Upsert(c.Request.Context(), req.Collection, req.DocumentID, req.Text, req.Metadata)
	if err != nil {
		h.fail(c, "Failed to upsert document", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "upserted", "id": id})
}

func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.index.Get(c.Request.Context(), c.Param("collection"))
	if err != nil {
		h.fail(c, "Failed to list documents", err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (h *Handler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hits, err := h.index.Search(c.Request.Context(), req.Collection, req.Query, req.Limit)
	if err != nil {
		h.fail(c, "Failed to search collection", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

// fail maps err onto a response: not-found errors become 404, everything
// else is logged and reported as a generic 500.
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found"})
	case errors.Is(err, index.ErrCollectionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Collection not found"})
	default:
		h.logger.Error(msg,
			zap.Error(err),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body", "error": err.Error()})
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid conversation ID"})
		return 0, false
	}
	return id, true
}
