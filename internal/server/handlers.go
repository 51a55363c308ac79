package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"imageforge/internal/events"
	"imageforge/internal/models"
)

type processRequest struct {
	Operation string          `json:"operation" binding:"required,oneof=resize compress upscale"`
	Params    json.RawMessage `json:"params" binding:"required"`
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	file, err := c.FormFile("image")
	if err != nil {
		s.fail(c, models.Errorf(models.KindValidation, op, "no file uploaded"))
		return
	}
	if file.Size > s.cfg.MaxUploadBytes {
		s.fail(c, models.Errorf(models.KindValidation, op, "file exceeds %d bytes", s.cfg.MaxUploadBytes))
		return
	}

	originalName := baseName(file.Filename)
	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	src, err := file.Open()
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("open multipart file")
		s.fail(c, err)
		return
	}
	defer src.Close()

	ctx := c.Request.Context()
	artifactID, size, err := s.store.PutReader(ctx, src, filepath.Ext(originalName))
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("store upload")
		s.fail(c, err)
		return
	}

	rec, err := s.registry.Create(ctx, originalName, mimeType, size, artifactID)
	if err != nil {
		log.Error().Err(err).Str("op", op).Str("artifact_id", artifactID).Msg("create record")
		s.discard(artifactID)
		s.fail(c, err)
		return
	}

	s.metrics.IncUploaded()
	s.publish(ctx, events.Event{
		Type:       events.ImageUploaded,
		ImageID:    rec.ID,
		ArtifactID: artifactID,
		Size:       size,
		MimeType:   mimeType,
	})
	log.Info().Int64("image_id", rec.ID).Str("artifact_id", artifactID).Int64("size", size).Msg("image uploaded")

	c.JSON(http.StatusCreated, gin.H{
		"id":           rec.ID,
		"filename":     artifactID,
		"originalName": originalName,
	})
}

func (s *Server) handleProcess(c *gin.Context) {
	const op = "server.handleProcess"

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.fail(c, models.NewError(models.KindNotFound, op, models.ErrNotFound))
		return
	}

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, models.NewError(models.KindValidation, op, err))
		return
	}
	operation, err := models.ParseOperation(req.Operation, req.Params)
	if err != nil {
		s.fail(c, err)
		return
	}

	// A client hanging up does not abort the transform; the pipeline
	// timeout bounds it instead.
	ctx := context.WithoutCancel(c.Request.Context())
	rec, err := s.process(ctx, id, operation)
	if err != nil {
		log.Warn().Err(err).Str("op", op).Int64("image_id", id).Msg("process failed")
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       rec.ID,
		"url":      downloadURL(rec.ArtifactID),
		"filename": rec.ArtifactID,
		"size":     rec.Size,
		"mimeType": rec.MimeType,
	})
}

// process runs one transform with the image id held exclusively. The new
// artifact is written before the record moves to it; the old artifact goes
// only after the update, and only if it was the raw upload.
func (s *Server) process(ctx context.Context, id int64, operation models.Operation) (models.ImageRecord, error) {
	const op = "server.process"

	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait())
	unlock, err := s.locker.Lock(lockCtx, "image:"+strconv.FormatInt(id, 10))
	cancel()
	if err != nil {
		return models.ImageRecord{}, models.NewError(models.KindTimeout, op, err)
	}
	defer unlock()

	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return models.ImageRecord{}, err
	}

	res, err := s.pipeline.Transform(ctx, rec, operation)
	if err != nil {
		return models.ImageRecord{}, err
	}

	params, err := models.MarshalParams(operation)
	if err != nil {
		s.discard(res.ArtifactID)
		return models.ImageRecord{}, models.NewError(models.KindInternal, op, err)
	}
	kind := operation.Kind()
	updated, err := s.registry.Update(ctx, id, models.ImagePatch{
		ArtifactID:    &res.ArtifactID,
		Size:          &res.Size,
		MimeType:      &res.MimeType,
		LastOperation: &kind,
		LastParams:    params,
	})
	if err != nil {
		s.discard(res.ArtifactID)
		return models.ImageRecord{}, fmt.Errorf("%s: %w", op, err)
	}

	if rec.LastOperation == models.OpPending && rec.ArtifactID != updated.ArtifactID {
		s.discard(rec.ArtifactID)
	}

	s.publish(ctx, events.Event{
		Type:       events.ImageProcessed,
		ImageID:    updated.ID,
		ArtifactID: updated.ArtifactID,
		Operation:  string(kind),
		Params:     params,
		Size:       updated.Size,
		MimeType:   updated.MimeType,
	})
	return updated, nil
}

func (s *Server) handleDownload(c *gin.Context) {
	filename := c.Param("filename")
	p, err := s.store.Path(filename)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.FileAttachment(p, filename)
}

func (s *Server) handleGetImage(c *gin.Context) {
	const op = "server.handleGetImage"

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, models.NewError(models.KindNotFound, op, models.ErrNotFound))
		return
	}
	rec, err := s.registry.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) lockWait() time.Duration {
	if s.cfg.TransformTimeout <= 0 {
		return time.Minute
	}
	return 2 * s.cfg.TransformTimeout
}

func (s *Server) discard(artifactID string) {
	if err := s.store.Delete(artifactID); err != nil {
		log.Warn().Err(err).Str("artifact_id", artifactID).Msg("discard artifact")
	}
}

func (s *Server) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type)).Msg("publish event")
	}
}

func downloadURL(artifactID string) string {
	return "/api/download/" + artifactID
}

// baseName strips any directory part a client sent along with the name.
func baseName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return "upload"
	}
	return name
}
