package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/queue"
	"pdfchat-platform/middleware"
	"pdfchat-platform/models"
	"pdfchat-platform/services"
	"pdfchat-platform/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func SetupJobRoutes(router *gin.Engine, deps *Dependencies, authMiddleware *middleware.AuthMiddleware) {
	api := router.Group("/api")
	api.Use(authMiddleware.RequireAuth())

	api.POST("/jobs", handleCreateJob(deps))
	// Job ids embed the object key, which may contain slashes.
	api.GET("/jobs/*jobId", handleGetJob(deps))
	api.DELETE("/tasks/:taskId", handleDeleteTask(deps))
}

func handleCreateJob(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.JobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		req.ObjectKey = strings.TrimSpace(req.ObjectKey)
		userID := middleware.GetUserID(c)

		ctx, cancel := utils.WithStoreTimeout(c.Request.Context())
		defer cancel()

		jobID := services.IngestJobID(req.ObjectKey)
		if st, err := deps.Runtime.GetStatus(ctx, jobID); err == nil && !st.Terminal() {
			respondJobConflict(c, jobID, st)
			return
		}

		indexName := services.IndexName(req.ObjectKey)
		task := &models.Task{
			ID:         uuid.NewString(),
			UserID:     userID,
			TaskType:   models.TaskTypeIngest,
			TaskName:   fmt.Sprintf("ingest-%d", time.Now().UnixMilli()),
			TaskStatus: models.StatusQueued,
			JobID:      jobID,
		}
		doc := &models.Document{
			ID:        uuid.NewString(),
			UserID:    userID,
			Source:    req.Source,
			ObjectKey: req.ObjectKey,
			PDFURL:    req.PDFURL,
			TaskID:    task.ID,
			IndexName: indexName,
		}

		if err := deps.Store.CreateTask(ctx, task); err != nil {
			logger.Error("Failed to create task", "request_id", middleware.GetRequestID(c), "error", err)
			utils.RespondWithInternalError(c, "Failed to create job", nil)
			return
		}
		if err := deps.Store.CreateDocument(ctx, doc); err != nil {
			logger.Error("Failed to create document", "request_id", middleware.GetRequestID(c), "error", err)
			_ = deps.Store.DeleteTask(ctx, task.ID)
			utils.RespondWithInternalError(c, "Failed to create job", nil)
			return
		}

		job, err := deps.Runtime.Schedule(ctx, services.JobTypeIngest, models.IngestPayload{
			Source:     req.Source,
			IndexName:  indexName,
			ObjectKey:  req.ObjectKey,
			DocumentID: doc.ID,
		})
		if err != nil {
			_ = deps.Store.DeleteDocument(ctx, doc.ID)
			_ = deps.Store.DeleteTask(ctx, task.ID)
			if errors.Is(err, queue.ErrConflict) {
				respondJobConflict(c, jobID, queue.StatusQueued)
				return
			}
			logger.Error("Failed to schedule ingestion", "request_id", middleware.GetRequestID(c), "job_id", jobID, "error", err)
			utils.RespondWithInternalError(c, "Failed to create job", nil)
			return
		}

		logger.Info("Ingestion requested", "job_id", job.ID, "document_id", doc.ID, "user_id", userID)
		c.JSON(http.StatusAccepted, models.JobResponse{
			JobID:      job.ID,
			TaskID:     task.ID,
			DocumentID: doc.ID,
			Status:     string(job.Status),
		})
	}
}

func respondJobConflict(c *gin.Context, jobID string, st queue.Status) {
	utils.RespondWithConflict(c, "job_in_progress", "An ingestion for this object is already running", gin.H{
		"jobId":  jobID,
		"status": st,
	})
}

func handleGetJob(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimPrefix(c.Param("jobId"), "/")
		if jobID == "" {
			utils.RespondWithBadRequest(c, "jobId is required", nil)
			return
		}

		ctx, cancel := utils.WithStoreTimeout(c.Request.Context())
		defer cancel()

		job, err := deps.Runtime.GetJob(ctx, jobID)
		if errors.Is(err, queue.ErrJobNotFound) {
			utils.RespondWithNotFound(c, "Job not found")
			return
		}
		if err != nil {
			logger.Error("Failed to load job", "job_id", jobID, "error", err)
			utils.RespondWithInternalError(c, "Failed to load job", nil)
			return
		}

		c.JSON(http.StatusOK, models.JobResponse{
			JobID:  job.ID,
			Status: string(job.Status),
			Error:  job.Error,
		})
	}
}

// handleDeleteTask only removes tasks owned by the caller; anything else is
// acknowledged and ignored.
func handleDeleteTask(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("taskId")

		ctx, cancel := utils.WithStoreTimeout(c.Request.Context())
		defer cancel()

		deleted, err := deps.Store.DeleteTaskForUser(ctx, taskID, middleware.GetUserID(c))
		if err != nil {
			logger.Error("Failed to delete task", "task_id", taskID, "error", err)
			utils.RespondWithInternalError(c, "Failed to delete task", nil)
			return
		}
		if !deleted {
			c.JSON(http.StatusOK, gin.H{"message": "task not owned by caller, ignored", "deleted": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "task deleted", "deleted": true})
	}
}
