package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ibbs-dev/ibbs/services"
	"github.com/ibbs-dev/ibbs/utils"
)

// RatingController exposes the rating engine over HTTP. The voting identity
// always comes from the authenticated session, never from the request body.
type RatingController struct {
	service *services.RatingService
}

// NewRatingController wires the rating service over the given database.
func NewRatingController(db *gorm.DB) *RatingController {
	return &RatingController{
		service: services.NewRatingService(services.NewGormUnitOfWork(db)),
	}
}

const postGoneMessage = "the post you are looking for does not exist anymore."

// UpdateRating applies an upvote or downvote to a post.
func (r *RatingController) UpdateRating(ctx *gin.Context) {
	var req struct {
		IsIncrement *bool `json:"isIncrement" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40040, "invalid request payload")
		return
	}

	userName, ok := getUsername(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40130, "unauthorized")
		return
	}

	result, err := r.service.UpdateRating(ctx.Request.Context(), ctx.Param("id"), userName, *req.IsIncrement)
	if err != nil {
		r.respondError(ctx, err)
		return
	}

	if result.IsUpdateSuccess {
		utils.InvalidateByPrefix("cache:post:detail:" + result.PostID)
		utils.InvalidateByPrefix("cache:posts:list:")
	}
	utils.Success(ctx, result)
}

// RemoveRating retracts the caller's active vote on a post.
func (r *RatingController) RemoveRating(ctx *gin.Context) {
	userName, ok := getUsername(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40131, "unauthorized")
		return
	}

	result, err := r.service.RemoveRating(ctx.Request.Context(), ctx.Param("id"), userName)
	if err != nil {
		r.respondError(ctx, err)
		return
	}

	if result.IsUpdateSuccess {
		utils.InvalidateByPrefix("cache:post:detail:" + result.PostID)
		utils.InvalidateByPrefix("cache:posts:list:")
	}
	utils.Success(ctx, result)
}

// ListMyRatings returns the caller's active votes joined to post titles.
func (r *RatingController) ListMyRatings(ctx *gin.Context) {
	userName, ok := getUsername(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40132, "unauthorized")
		return
	}

	items, err := r.service.ListUserRatings(ctx.Request.Context(), userName)
	if err != nil {
		r.respondError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"items": items})
}

// respondError maps engine errors onto API responses without leaking
// internal detail.
func (r *RatingController) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrPostNotFound):
		utils.Error(ctx, http.StatusNotFound, 40440, postGoneMessage)
	case errors.Is(err, services.ErrInvalidPostID):
		utils.Error(ctx, http.StatusBadRequest, 40041, "invalid post id")
	case errors.Is(err, services.ErrInvalidUser):
		utils.Error(ctx, http.StatusUnauthorized, 40133, "unauthorized")
	case errors.Is(err, services.ErrRatingUnavailable):
		utils.Error(ctx, http.StatusServiceUnavailable, 50340, "failed to update rating, please try again later")
	default:
		utils.Error(ctx, http.StatusInternalServerError, 50040, "failed to update rating, please try again later")
	}
}
