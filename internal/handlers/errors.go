package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"family-chat-service/internal/repositories"
	"family-chat-service/internal/service"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, repositories.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrConversationNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrParticipantsImmutable):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidParticipants),
		errors.Is(err, service.ErrInvalidCardinality),
		errors.Is(err, service.ErrInvalidType),
		errors.Is(err, service.ErrInvalidContentType),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrInvalidCursor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the mapped status. Internal errors are logged and
// hidden behind fallback.
func abortWithError(c *gin.Context, err error, fallback string) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed method=%s path=%s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
