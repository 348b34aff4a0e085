package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/udl-tools/go-uploadkit/feed"
	"github.com/udl-tools/go-uploadkit/ledger"
	"github.com/udl-tools/go-uploadkit/publish"
	"github.com/udl-tools/go-uploadkit/upload"
)

// UploadResponse describes a job, live while it runs in this process, from the history afterwards.
type UploadResponse struct {
	Name        string          `json:"name"`
	ContentType string          `json:"content_type,omitempty"`
	Checksum    string          `json:"checksum,omitempty"`
	Job         upload.Snapshot `json:"job"`
}

func fromUpload(u *publish.Upload) UploadResponse {
	return UploadResponse{
		Name:        u.Name(),
		ContentType: u.File().ContentType,
		Checksum:    u.Checksum(),
		Job:         u.Job().Snapshot(),
	}
}

func fromEntry(e ledger.Entry) UploadResponse {
	return UploadResponse{
		Name:        e.Name,
		ContentType: e.ContentType,
		Checksum:    e.Checksum,
		Job: upload.Snapshot{
			ID:              e.JobID,
			SourceSize:      e.SourceSize,
			TotalChunks:     e.TotalChunks,
			ChunksCompleted: e.ChunksCompleted,
			Progress:        e.Progress,
			Status:          e.Status,
			ResultAddress:   e.Address,
			FailureReason:   e.FailureReason,
			ReceiptID:       e.ReceiptID,
			ChunkErrors:     e.ChunkErrors,
			CreatedAt:       e.CreatedAt,
			FinishedAt:      e.FinishedAt,
		},
	}
}

func (s *Server) createUpload(c *gin.Context) {
	if s.opts.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadSize+1<<20)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file is too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "please select a file first"})
		return
	}
	if s.opts.MaxUploadSize > 0 && fileHeader.Size > s.opts.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("file is larger than %d bytes", s.opts.MaxUploadSize)})
		return
	}

	tags, err := parseTags(c.PostFormArray("tag"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	getSignature, err := strconv.ParseBool(c.DefaultPostForm("get_receipt_signature", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid get_receipt_signature: %s", c.PostForm("get_receipt_signature"))})
		return
	}

	if err := os.MkdirAll(s.opts.SpoolDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create spool directory"})
		return
	}
	spoolPath := filepath.Join(s.opts.SpoolDir, uuid.NewString()+filepath.Ext(fileHeader.Filename))
	if err := c.SaveUploadedFile(fileHeader, spoolPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store the file"})
		return
	}

	u, err := s.starter.Start(s.baseCtx, publish.Input{
		Paths:               []string{spoolPath},
		Name:                filepath.Base(fileHeader.Filename),
		ContentType:         c.PostForm("content_type"),
		Tags:                tags,
		GetReceiptSignature: getSignature,
		RemoveSource:        true,
	})
	if err != nil {
		if rmErr := os.Remove(spoolPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warnf("Failed to remove %s: %s", spoolPath, rmErr)
		}
		s.writeError(c, err)
		return
	}
	s.track(u)

	c.Header("Location", "/api/v1/uploads/"+u.Job().ID())
	c.JSON(http.StatusAccepted, fromUpload(u))
}

func (s *Server) getUpload(c *gin.Context) {
	id := c.Param("id")
	if u, ok := s.running(id); ok {
		c.JSON(http.StatusOK, fromUpload(u))
		return
	}
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}

	entry, err := s.history.Get(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fromEntry(entry))
}

func (s *Server) listUploads(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "upload history is disabled"})
		return
	}

	from, to, err := timeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := s.history.List(c.Request.Context(), ledger.Filter{
		Status:      upload.Status(c.Query("status")),
		ContentType: c.Query("content_type"),
		From:        from,
		To:          to,
		Limit:       limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	uploads := make([]UploadResponse, 0, len(entries))
	for _, e := range entries {
		uploads = append(uploads, fromEntry(e))
	}
	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

func (s *Server) listTransactions(c *gin.Context) {
	if s.feed == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "transaction feed is disabled"})
		return
	}

	from, to, err := timeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	transactions, err := s.feed.Query(c.Request.Context(), feed.Query{
		Node:        c.DefaultQuery("node", s.opts.DefaultNode),
		ContentType: c.Query("content_type"),
		Currency:    c.Query("currency"),
		From:        from,
		To:          to,
		Limit:       limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

func (s *Server) getBalance(c *gin.Context) {
	if s.accounts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "node accounts are disabled"})
		return
	}

	nodeURL, currency, err := s.nodeAndCurrency(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	balance, err := s.accounts.Balance(c.Request.Context(), nodeURL, currency, c.Query("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) getPrice(c *gin.Context) {
	if s.accounts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "node accounts are disabled"})
		return
	}

	nodeURL, currency, err := s.nodeAndCurrency(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	size, err := units.RAMInBytes(c.Query("bytes"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid bytes: %s", c.Query("bytes"))})
		return
	}

	price, err := s.accounts.Price(c.Request.Context(), nodeURL, currency, size)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, price)
}

func (s *Server) nodeAndCurrency(c *gin.Context) (string, string, error) {
	nodeURL, err := feed.ResolveNode(c.DefaultQuery("node", s.opts.DefaultNode))
	if err != nil {
		return "", "", err
	}
	currency := c.DefaultQuery("currency", s.opts.DefaultCurrency)
	if err := feed.ValidateCurrency(currency); err != nil {
		return "", "", err
	}
	return nodeURL, currency, nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case upload.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, upload.ErrJobInProgress), errors.Is(err, upload.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Errorf("%s %s: %s", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// parseTags reads Name=Value pairs.
func parseTags(values []string) ([]upload.Tag, error) {
	var tags []upload.Tag
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid tag %q, expected Name=Value", v)
		}
		tags = append(tags, upload.Tag{Name: strings.TrimSpace(name), Value: value})
	}
	return tags, nil
}

func timeRange(c *gin.Context) (time.Time, time.Time, error) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}
	return from, to, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, value)
}

func intQuery(c *gin.Context, key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, value)
	}
	return n, nil
}
