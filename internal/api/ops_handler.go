package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"hakoflow/internal/consumer"
	"hakoflow/internal/repository"
	"hakoflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OpsHandler struct {
	db      *gorm.DB
	rdb     *redis.Client
	cons    *consumer.StreamConsumer
	dlqRepo repository.DeadLetterInterface
}

func NewOpsHandler(db *gorm.DB, rdb *redis.Client, cons *consumer.StreamConsumer, dlqRepo repository.DeadLetterInterface) *OpsHandler {
	return &OpsHandler{db: db, rdb: rdb, cons: cons, dlqRepo: dlqRepo}
}

func (h *OpsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"consumer": h.cons.State().String()}
	healthy := h.cons.State() == consumer.StateRunning

	if sqlDB, err := h.db.DB(); err != nil {
		checks["mysql"] = err.Error()
		healthy = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		checks["mysql"] = err.Error()
		healthy = false
	} else {
		checks["mysql"] = "ok"
	}

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, checks)
}

func (h *OpsHandler) ListDeadLetters(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, total, err := h.dlqRepo.List(c.Request.Context(), offset, limit)
	if err != nil {
		logger.Error("dead letter listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "total": total})
}

func (h *OpsHandler) GetDeadLetter(c *gin.Context) {
	entry, err := h.dlqRepo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *OpsHandler) RequeueDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if err := h.dlqRepo.Requeue(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		logger.Error("requeue failed", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue failed"})
		return
	}
	logger.Info("dead letter requeued", zap.String("id", id))
	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}
