package server

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gmslcapture/internal/camera"
	"gmslcapture/internal/pixconv"
)

const jpegQuality = 80

// frameEncoder はセッションの最新フレームをJPEGにする
// 1クライアントにつき1つ使い、コピー用のバッファを使い回す
type frameEncoder struct {
	session *camera.Session
	cfg     camera.CaptureConfig
	buf     []byte
	out     bytes.Buffer
}

func newFrameEncoder(session *camera.Session) *frameEncoder {
	cfg := session.Config()
	return &frameEncoder{
		session: session,
		cfg:     cfg,
		buf:     make([]byte, cfg.FrameSize()),
	}
}

// encode は最新フレームをJPEGにしてメタデータと一緒に返す
// 戻り値のスライスは次のencodeまで有効
func (e *frameEncoder) encode() ([]byte, camera.FrameMetadata, error) {
	meta, err := e.session.CopyPixels(e.buf)
	if err != nil {
		return nil, meta, err
	}
	img, err := pixconv.ToRGBA(e.buf, e.cfg.Width, e.cfg.Height, pixconv.Layout{
		Channels: e.cfg.Channels,
		SwapRB:   e.cfg.SwapRB,
	})
	if err != nil {
		return nil, meta, fmt.Errorf("フレームの変換に失敗: %w", err)
	}

	e.out.Reset()
	if err := jpeg.Encode(&e.out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, meta, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return e.out.Bytes(), meta, nil
}

// streamMJPEG はMJPEGストリームを配信する
// 新フレームフラグは他の利用者と共有なので、タイムスタンプの変化で新しいフレームを判定する
func (h *handler) streamMJPEG(c *gin.Context, session *camera.Session) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	enc := newFrameEncoder(session)
	ticker := time.NewTicker(pollInterval(enc.cfg.FPS))
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	var last uint64
	var sent bool

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return
		case <-h.closing:
			return
		case <-ticker.C:
		}

		switch session.State() {
		case camera.StateClosed:
			return
		case camera.StateRunning:
		default:
			// 再起動中は次のフレームを待つ
			continue
		}

		frame, meta, err := enc.encode()
		if err != nil {
			h.log.WithError(err).Debug("ストリーム用フレームの取得に失敗")
			continue
		}
		if sent && meta.TimestampUs == last {
			continue
		}
		last, sent = meta.TimestampUs, true

		// MJPEGフレームを書き込み
		if err := writePart(writer, frame); err != nil {
			return
		}

		// バッファをフラッシュ
		flusher.Flush()
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// pollInterval はフレーム間隔の半分でスロットを確認する
func pollInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps*2)
}
