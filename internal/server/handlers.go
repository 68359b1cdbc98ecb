package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gmslcapture/internal/camera"
	"gmslcapture/internal/config"
)

// handler はAPIエンドポイントの実装
type handler struct {
	config  *config.Config
	manager *camera.Manager
	closing <-chan struct{}
	log     *logrus.Entry
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlsRequest はカメラ制御の変更要求
// 指定されたものだけを Values, 範囲, 手動設定の順に反映する
type ControlsRequest struct {
	Values         map[camera.Control]float64 `json:"values,omitempty"`
	ExposureRange  *camera.Range              `json:"exposure_range,omitempty"`
	GainRange      *camera.Range              `json:"gain_range,omitempty"`
	ManualExposure *float64                   `json:"manual_exposure,omitempty"` // 0-100 (%)
	ManualGain     *float64                   `json:"manual_gain,omitempty"`     // 0-100 (%)
}

// ControlsResponse はカメラ制御の現在値
type ControlsResponse struct {
	Values          map[camera.Control]float64 `json:"values"`
	ExposurePercent *float64                   `json:"exposure_percent,omitempty"`
	GainPercent     *float64                   `json:"gain_percent,omitempty"`
}

// 一覧で返す制御項目
var reportedControls = []camera.Control{
	camera.CtrlBrightness,
	camera.CtrlContrast,
	camera.CtrlHue,
	camera.CtrlSaturation,
	camera.CtrlSharpness,
	camera.CtrlGamma,
	camera.CtrlGain,
	camera.CtrlExposure,
	camera.CtrlAutoExposure,
	camera.CtrlWhiteBalance,
	camera.CtrlAutoWhiteBalance,
	camera.CtrlDigitalGain,
	camera.CtrlDenoise,
	camera.CtrlAntiBanding,
	camera.CtrlExposureCompensation,
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *handler) GetStatus(c *gin.Context) {
	cameras := h.manager.GetCameras()
	running := 0
	for _, cam := range cameras {
		if cam.State == camera.StateRunning.String() {
			running++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"backend":   h.config.Camera.Backend,
		"cameras":   len(cameras),
		"running":   running,
		"timestamp": time.Now(),
	})
}

// GetDevices は接続されているセンサーの一覧を返す
func (h *handler) GetDevices(c *gin.Context) {
	devices, err := h.manager.Devices()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *handler) GetCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": h.manager.GetCameras()})
}

// GetCamera はカメラ1台の状態を返す
func (h *handler) GetCamera(c *gin.Context) {
	status, found := h.manager.GetCamera(c.Param("id"))
	if !found {
		h.respondError(c, camera.ErrCameraNotFound)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetCameraFrame は最新フレームをJPEGで返す
func (h *handler) GetCameraFrame(c *gin.Context) {
	session, ok := h.runningSession(c)
	if !ok {
		return
	}

	enc := newFrameEncoder(session)
	jpg, _, err := enc.encode()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", jpg)
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (h *handler) GetCameraStream(c *gin.Context) {
	session, ok := h.runningSession(c)
	if !ok {
		return
	}

	// MJPEGストリーミングを配信
	h.streamMJPEG(c, session)
}

// GetCameraControls は制御項目の現在値を返す
// デバイスが対応していない項目は省く
func (h *handler) GetCameraControls(c *gin.Context) {
	session, ok := h.runningSession(c)
	if !ok {
		return
	}

	resp := ControlsResponse{Values: make(map[camera.Control]float64)}
	for _, ctrl := range reportedControls {
		v, err := session.Control(ctrl)
		if errors.Is(err, camera.ErrUnsupported) {
			continue
		}
		if err != nil {
			h.respondError(c, err)
			return
		}
		resp.Values[ctrl] = v
	}
	if p, err := session.ExposurePercent(); err == nil {
		resp.ExposurePercent = &p
	}
	if p, err := session.GainPercent(); err == nil {
		resp.GainPercent = &p
	}
	c.JSON(http.StatusOK, resp)
}

// PutCameraControls は制御項目を変更する
func (h *handler) PutCameraControls(c *gin.Context) {
	session, ok := h.runningSession(c)
	if !ok {
		return
	}

	var req ControlsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_request",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	if err := applyControls(session, req); err != nil {
		h.respondError(c, err)
		return
	}
	h.GetCameraControls(c)
}

func applyControls(session *camera.Session, req ControlsRequest) error {
	for ctrl, v := range req.Values {
		if err := session.SetControl(ctrl, v); err != nil {
			return err
		}
	}
	if r := req.ExposureRange; r != nil {
		if err := session.SetExposureRange(r.Min, r.Max); err != nil {
			return err
		}
	}
	if r := req.GainRange; r != nil {
		if err := session.SetGainRange(r.Min, r.Max); err != nil {
			return err
		}
	}
	if p := req.ManualExposure; p != nil {
		if err := session.SetManualExposure(*p); err != nil {
			return err
		}
	}
	if p := req.ManualGain; p != nil {
		if err := session.SetManualGain(*p); err != nil {
			return err
		}
	}
	return nil
}

// StartCamera はカメラをオープンする
func (h *handler) StartCamera(c *gin.Context) {
	h.lifecycle(c, h.manager.StartCamera)
}

// StopCamera はカメラを閉じる
func (h *handler) StopCamera(c *gin.Context) {
	h.lifecycle(c, h.manager.StopCamera)
}

func (h *handler) lifecycle(c *gin.Context, op func(context.Context, string) error) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	status, _ := h.manager.GetCamera(id)
	c.JSON(http.StatusOK, status)
}

// runningSession は動作中のセッションを返す。見つからない場合はレスポンスを書いてfalse
func (h *handler) runningSession(c *gin.Context) (*camera.Session, bool) {
	session, found := h.manager.Session(c.Param("id"))
	if !found {
		h.respondError(c, camera.ErrCameraNotFound)
		return nil, false
	}
	if session.State() != camera.StateRunning {
		h.respondError(c, camera.ErrNotOpen)
		return nil, false
	}
	return session, true
}

// respondError はエラーの種類に応じたステータスコードで応答する
func (h *handler) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("リクエストの処理に失敗")
	}
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		return http.StatusNotFound, "camera_not_found"
	case errors.Is(err, camera.ErrNotOpen), errors.Is(err, camera.ErrSessionClosing):
		return http.StatusServiceUnavailable, "camera_not_active"
	case errors.Is(err, camera.ErrAlreadyOpen):
		return http.StatusConflict, "camera_already_open"
	case errors.Is(err, camera.ErrInvalidConfiguration):
		return http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, camera.ErrUnsupported):
		return http.StatusNotImplemented, "unsupported_control"
	case errors.Is(err, camera.ErrDeviceUnavailable), errors.Is(err, camera.ErrStartupTimeout):
		return http.StatusServiceUnavailable, "device_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
