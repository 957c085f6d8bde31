package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"shunsatsu/internal/camera"
	"shunsatsu/internal/config"
)

// ShunsatsuHandler はAPIエンドポイントの実装
type ShunsatsuHandler struct {
	config       *config.Config
	orchestrator *camera.Orchestrator
}

// ErrorResponse はエラー応答の共通形式
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureRequestBody は撮影要求のリクエストボディ
type CaptureRequestBody struct {
	Mode string `json:"mode"` // "highres" / "raw"
}

// CaptureResponse は撮影要求の応答
type CaptureResponse struct {
	Success        bool   `json:"success"`
	Filename       string `json:"filename,omitempty"`
	SequenceNumber int    `json:"sequence_number,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
	ElapsedMs      int64  `json:"elapsed_ms"`
	QueueDepth     int    `json:"queue_depth"`
	Error          string `json:"error,omitempty"`
	Message        string `json:"message,omitempty"`
	Recovery       string `json:"recovery,omitempty"`
	Reinitialized  bool   `json:"reinitialized,omitempty"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *ShunsatsuHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// Index はルートパスのハンドラ
func (h *ShunsatsuHandler) Index(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Shunsatsu - 撮影サーバー</title>
</head>
<body>
    <h1>Shunsatsu 撮影サーバー</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>撮影一覧: <a href="/api/captures">/api/captures</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`)
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *ShunsatsuHandler) GetStatus(c *gin.Context) {
	report := h.orchestrator.Status(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"camera":    report,
		"timestamp": time.Now(),
	})
}

// TriggerCapture は撮影実行エンドポイントの実装
func (h *ShunsatsuHandler) TriggerCapture(c *gin.Context) {
	var body CaptureRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_request",
			Message:   "リクエストボディの解析に失敗しました",
			Timestamp: time.Now(),
		})
		return
	}

	mode := camera.Mode(body.Mode)
	result := h.orchestrator.Trigger(c.Request.Context(), mode)

	response := CaptureResponse{
		Success:        result.Success,
		Filename:       result.Filename,
		SequenceNumber: result.SequenceNumber,
		FileSize:       result.FileSize,
		ElapsedMs:      result.Elapsed.Milliseconds(),
		QueueDepth:     result.QueueDepth,
		Recovery:       string(result.Recovery),
		Reinitialized:  result.Reinitialized,
	}

	if result.Success {
		c.JSON(http.StatusOK, response)
		return
	}

	response.Error = string(result.ErrorKind)
	if result.Err != nil {
		response.Message = result.Err.Error()
	}
	c.JSON(captureStatusCode(result.ErrorKind), response)
}

// ListCaptures は撮影一覧取得エンドポイントの実装
func (h *ShunsatsuHandler) ListCaptures(c *gin.Context) {
	captures, err := h.orchestrator.ListCaptures()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "list_failed",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	if captures == nil {
		captures = []camera.CaptureEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"captures": captures,
		"count":    len(captures),
	})
}

// TriggerAutofocus はオートフォーカス走査エンドポイントの実装
func (h *ShunsatsuHandler) TriggerAutofocus(c *gin.Context) {
	if err := h.orchestrator.TriggerAutofocus(c.Request.Context()); err != nil {
		h.focusError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// LockFocus はフォーカス固定エンドポイントの実装
func (h *ShunsatsuHandler) LockFocus(c *gin.Context) {
	if err := h.orchestrator.LockFocus(c.Request.Context()); err != nil {
		h.focusError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "locked": true})
}

// UnlockFocus はフォーカス固定解除エンドポイントの実装
func (h *ShunsatsuHandler) UnlockFocus(c *gin.Context) {
	if err := h.orchestrator.UnlockFocus(c.Request.Context()); err != nil {
		h.focusError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "locked": false})
}

// Reinitialize はセッション再初期化エンドポイントの実装
func (h *ShunsatsuHandler) Reinitialize(c *gin.Context) {
	if err := h.orchestrator.Reinitialize(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "reinitialize_failed",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// focusError はフォーカス操作の失敗を分類に応じた状態コードで返す
func (h *ShunsatsuHandler) focusError(c *gin.Context, err error) {
	kind := camera.KindOf(err)
	c.JSON(captureStatusCode(kind), ErrorResponse{
		Error:     string(kind),
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// captureStatusCode はエラー分類をHTTP状態コードへ対応づける
func captureStatusCode(kind camera.ErrorKind) int {
	switch kind {
	case camera.ErrorConfiguration:
		return http.StatusBadRequest
	case camera.ErrorBusy:
		return http.StatusConflict
	case camera.ErrorNotInitialized:
		return http.StatusServiceUnavailable
	case camera.ErrorQueueFull:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
