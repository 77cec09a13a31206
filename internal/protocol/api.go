// Package protocol defines the API request/response types.
package protocol

import (
	"github.com/ftprelay/ftprelay/internal/catalog"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

// LoginRequest is the body for POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /api/auth/login.
type LoginResponse struct {
	Token string `json:"token"`
}

// MeResponse is returned by GET /api/auth/me.
type MeResponse struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// UploadResponse is returned by POST /api/upload.
type UploadResponse struct {
	Msg        string `json:"msg"`
	FileID     string `json:"fileId"`
	Filename   string `json:"filename"`
	RemotePath string `json:"remotePath"`
}

// StatsResponse is returned by GET /api/admin/stats.
type StatsResponse struct {
	TotalUploads   int            `json:"totalUploads"`
	TotalUsers     int            `json:"totalUsers"`
	TotalSize      int64          `json:"totalSize"`
	UploadsPerUser map[string]int `json:"uploadsPerUser"`
}

// FilesResponse is returned by GET /api/admin/files.
type FilesResponse = catalog.Page

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
