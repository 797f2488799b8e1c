package routes

import (
	"errors"
	"net/http"

	"pdfchat-platform/internal/ai"
	"pdfchat-platform/internal/config"
	"pdfchat-platform/internal/database"
	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/queue"
	"pdfchat-platform/internal/stream"
	"pdfchat-platform/middleware"
	"pdfchat-platform/models"
	"pdfchat-platform/services"
	"pdfchat-platform/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func SetupChatRoutes(router *gin.Engine, cfg *config.Config, deps *Dependencies, authMiddleware *middleware.AuthMiddleware, rdb *redis.Client) {
	chat := router.Group("/api")
	chat.Use(authMiddleware.RequireAuth())
	chat.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitReqs, cfg.RateLimitWindow))

	chat.POST("/chat", handleChat(deps))
}

func handleChat(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		userID := middleware.GetUserID(c)
		requestID := middleware.GetRequestID(c)

		lookupCtx, cancel := utils.WithStoreTimeout(c.Request.Context())
		doc, err := deps.Store.GetDocument(lookupCtx, req.DocumentID, userID)
		if err != nil {
			cancel()
			if errors.Is(err, database.ErrNotFound) {
				utils.RespondWithNotFound(c, "Document not found")
				return
			}
			logger.Error("Failed to load document", "request_id", requestID, "error", err)
			utils.RespondWithInternalError(c, "Failed to load document", nil)
			return
		}

		// Chat is only served once the document's ingestion finished.
		status, err := deps.Runtime.GetStatus(lookupCtx, services.IngestJobID(doc.ObjectKey))
		cancel()
		if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			logger.Error("Failed to load ingestion status", "request_id", requestID, "error", err)
			utils.RespondWithInternalError(c, "Failed to load document status", nil)
			return
		}
		if status != queue.StatusCompleted {
			utils.RespondWithConflict(c, "document_not_ready", "Document ingestion has not completed", gin.H{"status": status})
			return
		}

		history := make([]ai.Turn, 0, len(req.History))
		for _, pair := range req.History {
			history = append(history, ai.Turn{Question: pair[0], Answer: pair[1]})
		}

		ctx := c.Request.Context()
		started := false
		emit := func(ev stream.Event) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !started {
				stream.SetHeaders(c.Writer.Header())
				c.Status(http.StatusOK)
				started = true
			}
			if err := stream.Write(c.Writer, ev); err != nil {
				return err
			}
			c.Writer.Flush()
			return nil
		}

		err = deps.Chat.Stream(ctx, services.ChatInput{
			Namespace: doc.IndexName,
			Question:  req.Question,
			History:   history,
			Language:  req.Language,
		}, emit)
		if err == nil {
			return
		}

		if started {
			// Headers are gone; the missing end event tells the client.
			logger.Warn("Chat stream truncated", "request_id", requestID, "document_id", doc.ID, "error", err)
			return
		}
		logger.Error("Chat failed before streaming", "request_id", requestID, "document_id", doc.ID, "error", err)
		utils.RespondWithError(c, http.StatusBadGateway, "generation_failed", "Could not generate an answer right now", nil)
	}
}
