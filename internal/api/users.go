// users.go implements handlers for the actors that audit entries are credited to.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/auditlogs/auditlogs/internal/db/models"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
)

// UserHandlers handles user management endpoints
type UserHandlers struct {
	userRepo *repositories.UserRepository
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(userRepo *repositories.UserRepository) *UserHandlers {
	return &UserHandlers{userRepo: userRepo}
}

// CreateUserRequest is the body of POST /api/v1/users
type CreateUserRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name" binding:"required"`
}

// CreateUserHandler creates a new user
// POST /api/v1/users
func (h *UserHandlers) CreateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request: " + err.Error(),
			})
			return
		}

		user := &models.User{
			Email: strings.TrimSpace(req.Email),
			Name:  strings.TrimSpace(req.Name),
		}
		if err := h.userRepo.CreateUser(c.Request.Context(), user); err != nil {
			if errors.Is(err, repositories.ErrConstraint) {
				c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
				return
			}
			readErrorStatus(c, err, "Failed to create user")
			return
		}

		c.JSON(http.StatusCreated, gin.H{"user": user})
	}
}

// GetUserHandler retrieves a specific user by ID
// GET /api/v1/users/:id
func (h *UserHandlers) GetUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
			return
		}

		user, err := h.userRepo.GetUserByID(c.Request.Context(), userID)
		if err != nil {
			readErrorStatus(c, err, "Failed to retrieve user")
			return
		}
		if user == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

// DeleteUserHandler deletes a user. Their audit entries remain, with user_id set to NULL.
// DELETE /api/v1/users/:id
func (h *UserHandlers) DeleteUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
			return
		}

		deleted, err := h.userRepo.DeleteUser(c.Request.Context(), userID)
		if err != nil {
			readErrorStatus(c, err, "Failed to delete user")
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
	}
}
