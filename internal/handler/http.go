package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"resume-server/internal/models"
	"resume-server/internal/pipeline"
	"resume-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxDocumentSize - предельный размер исходного документа резюме.
const maxDocumentSize = 1 << 20

// GenerationService - операции сервиса генерации, доступные через HTTP.
type GenerationService interface {
	Submit(ctx context.Context, userID string, req service.SubmitRequest) (uuid.UUID, error)
	Cancel(ctx context.Context, userID string, taskID uuid.UUID) error
	CancelOffer(ctx context.Context, userID string, taskID, offerID uuid.UUID) error
	GetTask(ctx context.Context, userID string, taskID uuid.UUID) (*service.TaskView, error)
	Report(ctx context.Context, userID string, taskID uuid.UUID) (*pipeline.TaskReport, error)
	Balance(ctx context.Context, userID string, feature string) (int64, error)
	Grant(ctx context.Context, userID string, feature string, amount int64) error
	PutSource(ctx context.Context, userID, ref string, document json.RawMessage) error
	GetOfferDocument(ctx context.Context, userID string, taskID, offerID uuid.UUID) (json.RawMessage, error)
}

var _ GenerationService = (*service.GenerationService)(nil)

// APIError - тело ответа с ошибкой.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// GenerationHandler - HTTP API генерации резюме.
type GenerationHandler struct {
	service  GenerationService
	verifier *JWTVerifier
	logger   *zap.Logger
}

// NewGenerationHandler создает обработчик.
func NewGenerationHandler(svc GenerationService, verifier *JWTVerifier, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{service: svc, verifier: verifier, logger: logger.Named("GenerationHandler")}
}

// RegisterRoutes регистрирует маршруты API.
func (h *GenerationHandler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1", AuthMiddleware(h.verifier))
	{
		api.POST("/generations", h.submit)
		api.GET("/generations/:id", h.getTask)
		api.GET("/generations/:id/report", h.getReport)
		api.POST("/generations/:id/cancel", h.cancel)
		api.POST("/generations/:id/offers/:offerId/cancel", h.cancelOffer)
		api.GET("/generations/:id/offers/:offerId/document", h.getOfferDocument)
		api.GET("/credits/:feature", h.getBalance)
		api.PUT("/documents/:ref", h.putSource)
	}

	internal := router.Group("/internal/v1", AuthMiddleware(h.verifier, RoleBilling))
	{
		internal.POST("/credits/grant", h.grant)
	}
}

// handleServiceError переводит ошибку сервиса в HTTP-ответ.
func (h *GenerationHandler) handleServiceError(c *gin.Context, err error) {
	if rej, ok := models.AsRejection(err); ok {
		status := http.StatusBadRequest
		switch rej.Code {
		case models.RejectionAlreadyRunning:
			status = http.StatusConflict
		case models.RejectionInsufficientBalance:
			status = http.StatusPaymentRequired
		}
		c.JSON(status, rej)
		return
	}

	var status int
	var apiErr APIError
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		status, apiErr = http.StatusUnauthorized, APIError{Message: "Unauthorized"}
	case errors.Is(err, models.ErrForbidden):
		status, apiErr = http.StatusForbidden, APIError{Message: "Forbidden"}
	case errors.Is(err, models.ErrInvalidInput):
		status, apiErr = http.StatusBadRequest, APIError{Code: string(models.RejectionInvalidInput), Message: err.Error()}
	case errors.Is(err, models.ErrNotFound):
		status, apiErr = http.StatusNotFound, APIError{Message: "Resource not found or access denied"}
	case errors.Is(err, models.ErrAlreadyTerminal), errors.Is(err, models.ErrInvalidTransition):
		status, apiErr = http.StatusConflict, APIError{Message: "Generation is already finished"}
	default:
		_ = c.Error(err)
		status, apiErr = http.StatusInternalServerError, APIError{Message: "Internal server error"}
	}
	c.JSON(status, apiErr)
}

// bindError отвечает 400 на невалидное тело запроса.
func bindError(c *gin.Context, err error) {
	message := "Invalid request body"
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		message = "Invalid fields: " + strings.Join(fields, ", ")
	}
	c.JSON(http.StatusBadRequest, APIError{Code: string(models.RejectionInvalidInput), Message: message})
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{Code: string(models.RejectionInvalidInput), Message: "Invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

type postingRequest struct {
	Ref         string `json:"ref" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Company     string `json:"company"`
	Description string `json:"description" binding:"required"`
	URL         string `json:"url" binding:"omitempty,url"`
}

type submitRequest struct {
	SourceDocumentRef string           `json:"sourceDocumentRef" binding:"required"`
	Mode              string           `json:"mode" binding:"required,oneof=adapt rebuild"`
	Postings          []postingRequest `json:"postings" binding:"required,min=1,dive"`
}

type submitResponse struct {
	TaskID uuid.UUID `json:"taskId"`
}

func (h *GenerationHandler) submit(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	svcReq := service.SubmitRequest{
		SourceDocumentRef: req.SourceDocumentRef,
		Mode:              models.GenerationMode(req.Mode),
		Postings:          make([]models.Posting, 0, len(req.Postings)),
	}
	for _, p := range req.Postings {
		svcReq.Postings = append(svcReq.Postings, models.Posting{
			Ref:         p.Ref,
			Title:       p.Title,
			Company:     p.Company,
			Description: p.Description,
			URL:         p.URL,
		})
	}

	taskID, err := h.service.Submit(c.Request.Context(), userID, svcReq)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{TaskID: taskID})
}

func (h *GenerationHandler) getTask(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	taskID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	view, err := h.service.GetTask(c.Request.Context(), userID, taskID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *GenerationHandler) getReport(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	taskID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	report, err := h.service.Report(c.Request.Context(), userID, taskID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *GenerationHandler) cancel(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	taskID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.service.Cancel(c.Request.Context(), userID, taskID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *GenerationHandler) cancelOffer(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	taskID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	offerID, ok := uuidParam(c, "offerId")
	if !ok {
		return
	}
	if err := h.service.CancelOffer(c.Request.Context(), userID, taskID, offerID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *GenerationHandler) getOfferDocument(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	taskID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	offerID, ok := uuidParam(c, "offerId")
	if !ok {
		return
	}
	doc, err := h.service.GetOfferDocument(c.Request.Context(), userID, taskID, offerID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
}

type balanceResponse struct {
	Feature string `json:"feature"`
	Balance int64  `json:"balance"`
}

func (h *GenerationHandler) getBalance(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	feature := c.Param("feature")
	balance, err := h.service.Balance(c.Request.Context(), userID, feature)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Feature: feature, Balance: balance})
}

func (h *GenerationHandler) putSource(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{Code: string(models.RejectionInvalidInput), Message: "Failed to read body"})
		return
	}
	if len(body) > maxDocumentSize {
		c.JSON(http.StatusRequestEntityTooLarge, APIError{Message: "Document is too large"})
		return
	}
	if err := h.service.PutSource(c.Request.Context(), userID, c.Param("ref"), body); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type grantRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Feature string `json:"feature" binding:"required"`
	Amount  int64  `json:"amount" binding:"required,gt=0"`
}

func (h *GenerationHandler) grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := h.service.Grant(c.Request.Context(), req.UserID, req.Feature, req.Amount); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
