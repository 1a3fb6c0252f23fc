package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/aweris/dedupfs"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	msgCreated      = "created new file"
	msgUpdated      = "updated existing file"
	msgDeleted      = "deleted file"
	msgFileExists   = "file exists"
	msgFileNotFound = "file not found"
	msgBadRequest   = "bad request"
	msgNotFound     = "Not found"
	msgServerError  = "Server error"

	formField = "file"
	// multipartOverhead allows for boundaries and part headers on top of the
	// payload cap.
	multipartOverhead = 1 << 20
)

func (s *Server) ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (s *Server) getFile(c *gin.Context) {
	dl, err := s.engine.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	defer dl.Close()

	c.Header("ETag", strconv.Quote(dl.Record.Hash))
	c.DataFromReader(http.StatusOK, dl.Size(), contentTypeOf(dl.Record), dl, nil)
}

// headFile answers from the index alone; the blob is not read.
func (s *Server) headFile(c *gin.Context) {
	rec, err := s.engine.Stat(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("ETag", strconv.Quote(rec.Hash))
	c.Header("Content-Type", contentTypeOf(rec))
	c.Header("Content-Length", strconv.FormatInt(rec.Size, 10))
	c.Status(http.StatusOK)
}

func contentTypeOf(rec dedupfs.FileRecord) string {
	if ct := mime.TypeByExtension("." + rec.Extension); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Server) createFile(c *gin.Context) {
	s.write(c, s.engine.Create)
}

func (s *Server) updateFile(c *gin.Context) {
	s.write(c, s.engine.Update)
}

type writeFunc func(ctx context.Context, name, ext string, r io.Reader) (dedupfs.Result, error)

func (s *Server) write(c *gin.Context, op writeFunc) {
	ext, body, cleanup, err := s.payload(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer cleanup()

	res, err := op(c.Request.Context(), c.Param("name"), ext, body)
	if err != nil {
		s.fail(c, err)
		return
	}
	if res == dedupfs.Created {
		c.JSON(http.StatusCreated, gin.H{"message": msgCreated})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msgUpdated})
}

func (s *Server) deleteFile(c *gin.Context) {
	if _, err := s.engine.Delete(c.Request.Context(), c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msgDeleted})
}

// payload returns the upload body and its extension. Multipart requests carry
// the content in the "file" field and take the extension from its filename;
// any other request body is the content itself, labelled by ?ext= or the
// engine default.
func (s *Server) payload(c *gin.Context) (string, io.Reader, func(), error) {
	noop := func() {}
	if !isMultipart(c.ContentType()) {
		return c.Query("ext"), c.Request.Body, noop, nil
	}

	if limit := s.engine.MaxUploadBytes(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}
	fh, err := c.FormFile(formField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, noop, dedupfs.ErrTooLarge
		}
		return "", nil, noop, dedupfs.ErrEmptyContent
	}

	ext := dedupfs.ExtensionOf(fh.Filename)
	if ext == "" {
		return "", nil, noop, dedupfs.ErrExtensionNotAllowed
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, noop, err
	}
	cleanup := func() {
		_ = f.Close()
		if form := c.Request.MultipartForm; form != nil {
			_ = form.RemoveAll()
		}
	}
	return ext, f, cleanup, nil
}

func isMultipart(contentType string) bool {
	return strings.EqualFold(contentType, "multipart/form-data")
}

// fail maps engine errors to the fixed response bodies.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, dedupfs.ErrConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": msgFileExists})
	case errors.Is(err, dedupfs.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": msgBadRequest})
	case errors.Is(err, dedupfs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": msgFileNotFound})
	default:
		s.logger.Error("request failed",
			zap.String("request_id", getRequestID(c)),
			zap.String("name", c.Param("name")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgServerError})
	}
}
