package profiles

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/drblury/rpcflow/internal/runtime/auth"
	"github.com/drblury/rpcflow/internal/runtime/logging"
)

// Messages of the HTTP API's error bodies.
const (
	MsgMeNotFound       = "Profile could not be retrieved, it might have been deleted"
	MsgMeNotConfirmed   = "You must first confirm your profile."
	MsgProfileNotFound  = "The profile you are looking for does not exist"
	MsgAlreadyConfirmed = "Your profile is already confirmed. Please use edit functionalities instead"
	MsgNoProfile        = "No profile found."
	MsgInvalidBody      = "Invalid request body"
	MsgInternal         = "Internal server error"
)

// ErrorResponse is the JSON body of failed requests.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// ConfirmRequest is the body of POST /profiles/confirm.
type ConfirmRequest struct {
	FirstName string `json:"firstName" binding:"required,min=2,max=50"`
	LastName  string `json:"lastName" binding:"required,min=2,max=50"`
}

// Handler serves the profiles HTTP API.
type Handler struct {
	store  *Store
	guard  *auth.Guard
	logger logging.ServiceLogger
}

func NewHandler(store *Store, guard *auth.Guard, logger logging.ServiceLogger) *Handler {
	return &Handler{store: store, guard: guard, logger: logging.OrDiscard(logger)}
}

// Register mounts the routes under /profiles.
func (h *Handler) Register(r gin.IRouter) {
	group := r.Group("/profiles")
	guarded := auth.GinMiddleware(h.guard)

	group.GET("/me", guarded, h.GetMine)
	group.POST("/confirm", guarded, h.Confirm)
	group.GET("/:id", h.GetByID)
	group.GET("", h.List)
}

// Router returns a gin engine serving only the profiles API.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return r
}

func respondWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{StatusCode: status, Message: message})
}

func claimsOf(c *gin.Context) (auth.Claims, bool) {
	v, ok := c.Get(auth.UserKey)
	if !ok {
		return auth.Claims{}, false
	}
	claims, ok := v.(auth.Claims)
	return claims, ok
}

func (h *Handler) GetMine(c *gin.Context) {
	claims, ok := claimsOf(c)
	if !ok {
		respondWithError(c, http.StatusUnauthorized, auth.Unknown.Message())
		return
	}

	view, err := h.store.GetByEmail(c.Request.Context(), claims.Email)
	switch {
	case errors.Is(err, ErrNotConfirmed):
		respondWithError(c, http.StatusConflict, MsgMeNotConfirmed)
	case errors.Is(err, ErrNotFound):
		respondWithError(c, http.StatusNotFound, MsgMeNotFound)
	case err != nil:
		h.internal(c, err)
	default:
		c.JSON(http.StatusOK, view)
	}
}

func (h *Handler) Confirm(c *gin.Context) {
	claims, ok := claimsOf(c)
	if !ok {
		respondWithError(c, http.StatusUnauthorized, auth.Unknown.Message())
		return
	}

	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, MsgInvalidBody)
		return
	}

	_, err := h.store.Confirm(c.Request.Context(), claims.Email, req.FirstName, req.LastName)
	switch {
	case errors.Is(err, ErrAlreadyConfirmed):
		respondWithError(c, http.StatusConflict, MsgAlreadyConfirmed)
	case errors.Is(err, ErrNotFound):
		respondWithError(c, http.StatusNotFound, MsgNoProfile)
	case err != nil:
		h.internal(c, err)
	default:
		c.JSON(http.StatusCreated, gin.H{"email": claims.Email})
	}
}

func (h *Handler) GetByID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondWithError(c, http.StatusBadRequest, "Validation failed (numeric string is expected)")
		return
	}

	view, err := h.store.GetByID(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotConfirmed):
		respondWithError(c, http.StatusNotFound, MsgProfileNotFound)
	case err != nil:
		h.internal(c, err)
	default:
		c.JSON(http.StatusOK, view)
	}
}

func (h *Handler) List(c *gin.Context) {
	views, err := h.store.List(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) internal(c *gin.Context, err error) {
	h.logger.Error("Profiles request failed", err, logging.LogFields{"path": c.FullPath()})
	respondWithError(c, http.StatusInternalServerError, MsgInternal)
}
