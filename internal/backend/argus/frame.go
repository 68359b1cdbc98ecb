package argus

import (
	"errors"

	"github.com/tinyzimmer/go-gst/gst"

	"gmslcapture/internal/camera"
	"gmslcapture/internal/pixconv"
)

// frame はappsinkから引き出したRGBAサンプル
type frame struct {
	sample *gst.Sample
	cfg    camera.CaptureConfig
	meta   camera.FrameMetadata
}

func (f *frame) Metadata() camera.FrameMetadata { return f.meta }

func (f *frame) CopyTo(dst []byte) error {
	buffer := f.sample.GetBuffer()
	if buffer == nil {
		return errors.New("サンプルにバッファがありません")
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	if len(data) == 0 {
		return errors.New("バッファが空です")
	}
	return pixconv.Repack(dst, data, f.cfg.Width, f.cfg.Height, false, pixconv.Layout{
		Channels: f.cfg.Channels,
		SwapRB:   f.cfg.SwapRB,
	})
}

func (f *frame) Release() { f.sample = nil }
