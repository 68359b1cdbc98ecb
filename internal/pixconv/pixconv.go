// Package pixconv はドライバーのピクセル形式からキャプチャ出力の形式への変換を行う
//
// YUVはJFIFのフルレンジとして扱う (image/color と同じ)
package pixconv

import (
	"fmt"
	"image"
	"image/color"
)

// Layout は出力のチャンネル配置
type Layout struct {
	Channels int  // 3 または 4
	SwapRB   bool // trueならBGR/BGRA
}

// YUYVToRGB はYUYV 4:2:2 (2画素あたり4バイト) をLayoutの形式でdstへ書き込む
func YUYVToRGB(dst, src []byte, width, height int, l Layout) error {
	if l.Channels != 3 && l.Channels != 4 {
		return fmt.Errorf("未対応のチャンネル数です: %d", l.Channels)
	}
	if width%2 != 0 {
		return fmt.Errorf("YUYVの幅は偶数である必要があります: %d", width)
	}
	if len(src) < width*height*2 {
		return fmt.Errorf("YUYVの入力が短すぎます: %d < %d", len(src), width*height*2)
	}
	if len(dst) < width*height*l.Channels {
		return fmt.Errorf("出力先が短すぎます: %d < %d", len(dst), width*height*l.Channels)
	}

	ri, bi := 0, 2
	if l.SwapRB {
		ri, bi = 2, 0
	}

	o := 0
	for i := 0; i+3 < width*height*2; i += 4 {
		y0, u, y1, v := src[i], src[i+1], src[i+2], src[i+3]
		for _, y := range [2]byte{y0, y1} {
			r, g, b := color.YCbCrToRGB(y, u, v)
			dst[o+ri] = r
			dst[o+1] = g
			dst[o+bi] = b
			if l.Channels == 4 {
				dst[o+3] = 0xff
			}
			o += l.Channels
		}
	}
	return nil
}

// Repack はBGRAまたはRGBAのパックドデータをLayoutの形式でdstへ書き込む
// srcSwapped はsrcがBGRAであることを示す
func Repack(dst, src []byte, width, height int, srcSwapped bool, l Layout) error {
	if l.Channels != 3 && l.Channels != 4 {
		return fmt.Errorf("未対応のチャンネル数です: %d", l.Channels)
	}
	n := width * height
	if len(src) < n*4 {
		return fmt.Errorf("入力が短すぎます: %d < %d", len(src), n*4)
	}
	if len(dst) < n*l.Channels {
		return fmt.Errorf("出力先が短すぎます: %d < %d", len(dst), n*l.Channels)
	}

	swap := srcSwapped != l.SwapRB
	if !swap && l.Channels == 4 {
		copy(dst, src[:n*4])
		return nil
	}

	for i, o := 0, 0; i < n*4; i, o = i+4, o+l.Channels {
		if swap {
			dst[o], dst[o+1], dst[o+2] = src[i+2], src[i+1], src[i]
		} else {
			dst[o], dst[o+1], dst[o+2] = src[i], src[i+1], src[i+2]
		}
		if l.Channels == 4 {
			dst[o+3] = src[i+3]
		}
	}
	return nil
}

// ToRGBA はLayoutの形式のフレームをimage.RGBAに変換する
func ToRGBA(src []byte, width, height int, l Layout) (*image.RGBA, error) {
	if l.Channels != 3 && l.Channels != 4 {
		return nil, fmt.Errorf("未対応のチャンネル数です: %d", l.Channels)
	}
	n := width * height
	if len(src) < n*l.Channels {
		return nil, fmt.Errorf("入力が短すぎます: %d < %d", len(src), n*l.Channels)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, o := 0, 0; o < n*4; i, o = i+l.Channels, o+4 {
		if l.SwapRB {
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = src[i+2], src[i+1], src[i]
		} else {
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = src[i], src[i+1], src[i+2]
		}
		img.Pix[o+3] = 0xff
	}
	return img, nil
}
