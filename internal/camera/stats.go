package camera

import "sync/atomic"

// Stats はセッションの累計カウンター
// 再起動をまたいで積算される
type Stats struct {
	FramesCaptured  uint64 `json:"frames_captured"`
	FramesPublished uint64 `json:"frames_published"`
	FramesDropped   uint64 `json:"frames_dropped"`
	FramesSkipped   uint64 `json:"frames_skipped"`
	ConvertFailures uint64 `json:"convert_failures"`
	Timeouts        uint64 `json:"timeouts"`
	Disconnects     uint64 `json:"disconnects"`
	Reboots         uint64 `json:"reboots"`
}

type sessionStats struct {
	captured        atomic.Uint64
	published       atomic.Uint64
	dropped         atomic.Uint64
	skipped         atomic.Uint64
	convertFailures atomic.Uint64
	timeouts        atomic.Uint64
	disconnects     atomic.Uint64
	reboots         atomic.Uint64
}

func (s *sessionStats) snapshot() Stats {
	return Stats{
		FramesCaptured:  s.captured.Load(),
		FramesPublished: s.published.Load(),
		FramesDropped:   s.dropped.Load(),
		FramesSkipped:   s.skipped.Load(),
		ConvertFailures: s.convertFailures.Load(),
		Timeouts:        s.timeouts.Load(),
		Disconnects:     s.disconnects.Load(),
		Reboots:         s.reboots.Load(),
	}
}
