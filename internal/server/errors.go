package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	gerrors "github.com/yiyabo/gagent/internal/errors"
)

// detail is the error envelope every failing response carries:
// {"detail": {"error": <code>, ...context}}.
func detail(code string, extra gin.H) gin.H {
	body := gin.H{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	return gin.H{"detail": body}
}

// fail maps component errors onto the wire. Cycle reports carry the
// offending subgraph so clients can render it.
func (s *Server) fail(c *gin.Context, err error) {
	var cycle *gerrors.CycleError
	if errors.As(err, &cycle) {
		c.JSON(http.StatusBadRequest, detail("cycle_detected", gin.H{
			"nodes": cycle.Nodes,
			"edges": cycle.Edges,
			"names": cycle.Names,
		}))
		return
	}

	var notFound *gerrors.NotFoundError
	if errors.As(err, &notFound) {
		c.JSON(http.StatusNotFound, detail("not_found", gin.H{
			"entity": notFound.Entity,
			"id":     notFound.ID,
		}))
		return
	}
	if errors.Is(err, gerrors.ErrNotFound) {
		c.JSON(http.StatusNotFound, detail("not_found", gin.H{"message": err.Error()}))
		return
	}

	var validation *gerrors.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, detail(validation.Code, gin.H{"message": validation.Detail}))
		return
	}
	if errors.Is(err, gerrors.ErrDecompositionRefused) {
		c.JSON(http.StatusBadRequest, detail("decomposition_refused", gin.H{"message": err.Error()}))
		return
	}

	var conflict *gerrors.ConflictError
	if errors.As(err, &conflict) {
		body := gin.H{"message": conflict.Detail}
		for k, v := range conflict.Context {
			body[k] = v
		}
		c.JSON(http.StatusConflict, detail(conflict.Code, body))
		return
	}
	if errors.Is(err, gerrors.ErrConflict) || errors.Is(err, gerrors.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, detail("conflict", gin.H{"message": err.Error()}))
		return
	}

	if errors.Is(err, gerrors.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, detail("store_unavailable", gin.H{"message": err.Error()}))
		return
	}

	s.logger.Error("request failed: %v", err)
	c.JSON(http.StatusInternalServerError, detail("internal", nil))
}

// badRequest rejects an unparseable body.
func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, detail("invalid_body", gin.H{"message": err.Error()}))
}
